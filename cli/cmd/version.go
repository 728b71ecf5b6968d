package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"caflz/cli/style"
)

// Version is stamped at build time with -ldflags "-X caflz/cli/cmd.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and server versions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(style.Banner.Render("caflz · Azure landing zones"))
		fmt.Println(style.Key.Render("Client") + style.Val.Render(Version))
		fmt.Println(style.Key.Render("Go") + style.DimText.Render(runtime.Version()+" "+runtime.GOOS+"/"+runtime.GOARCH))

		server, err := client.ServerVersion()
		if err != nil {
			fmt.Println(style.Key.Render("Server") + style.Unhealthy.Render("unreachable") + style.DimText.Render(" ("+apiURL+")"))
			return
		}
		fmt.Println(style.Key.Render("Server") + style.Val.Render(server) + style.DimText.Render(" ("+apiURL+")"))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
