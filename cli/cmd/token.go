package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"caflz/api/auth"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token --subject <name>",
	Short: "Mint a bearer token from CAFLZ_JWT_SECRET",
	Long: `Mint a bearer token signed with the server's CAFLZ_JWT_SECRET.

The subject is recorded as triggered_by on every deployment started with
the token. Export it as CAFLZ_TOKEN for later commands.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("CAFLZ_JWT_SECRET")
		if secret == "" {
			return fmt.Errorf("CAFLZ_JWT_SECRET is not set")
		}
		tokens, err := auth.NewTokens(secret, tokenTTL)
		if err != nil {
			return err
		}
		raw, err := tokens.Mint(tokenSubject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), raw)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator name recorded on deployments")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 8*time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}
