package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"caflz/cli/style"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the ledger, terraform and archive storage",
	Aliases: []string{"doctor", "h"},
	RunE:    runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := client.Health()
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach caflz API at " + apiURL))
		return err
	}

	fmt.Println(style.Banner.Render("CAFLZ HEALTH"))

	allUp := true
	for _, s := range h.Services {
		label := style.Warning.Render(s.Status)
		switch s.Status {
		case "up":
			label = style.Healthy.Render("up")
		case "down":
			label = style.Unhealthy.Render("down")
			allUp = false
		}
		fmt.Printf("  %s  %s %s %s\n", style.ServiceDot(s.Status), style.Bold.Render(padRight(s.Name, 12)), label, style.DimText.Render(s.Details))
	}
	fmt.Println()

	if allUp {
		fmt.Println(style.SuccessBox.Render("All services healthy"))
	} else {
		fmt.Println(style.ErrorBox.Render("Some services are down"))
	}
	return nil
}
