package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"caflz/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "caflz",
	Short: "Operate Azure landing zone deployments",
	Long: `caflz drives the landing zone control plane.

Onboard customers, plan, deploy and destroy their management, hub and spoke
components, approve pending plans and follow deployments live.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken)
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("CAFLZ_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "caflz API URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("CAFLZ_TOKEN"), "bearer token (see caflz token)")
}
