package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"caflz/api/model"
	"caflz/cli/style"
)

var onboardFile string

var customersCmd = &cobra.Command{
	Use:     "customers",
	Short:   "List onboarded customers",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		customers, err := client.ListCustomers()
		if err != nil {
			return fmt.Errorf("fetch customers: %w", err)
		}
		if len(customers) == 0 {
			fmt.Println(style.DimText.Render("No customers. Onboard one with caflz onboard -f customer.yaml"))
			return nil
		}

		fmt.Println(style.Banner.Render("CAFLZ") + style.Subtitle.Render(fmt.Sprintf("  %d customer(s)", len(customers))))
		header := fmt.Sprintf("  %-16s %-28s %-12s %s", "ID", "NAME", "STATUS", "COMPONENTS")
		fmt.Println(style.TableHeader.Render(header))
		for _, c := range customers {
			fmt.Printf("  %s %-28s %s %s\n",
				style.Bold.Render(padRight(c.ID, 16)),
				c.Name,
				statusCell(string(c.Status), 12),
				components(c),
			)
		}
		fmt.Println()
		return nil
	},
}

var customerCmd = &cobra.Command{
	Use:   "customer",
	Short: "Inspect a customer",
}

var customerGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a customer and its landscape",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.GetCustomer(args[0])
		if err != nil {
			return fmt.Errorf("fetch customer: %w", err)
		}
		fmt.Println(style.CardStyle.Render(customerCard(c)))
		return nil
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard -f customer.yaml",
	Short: "Onboard a customer from a YAML descriptor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := os.ReadFile(onboardFile)
		if err != nil {
			return err
		}
		// Reject typos locally before the secret leaves the machine.
		if _, err := model.DecodeCustomerSpec(strings.NewReader(string(doc))); err != nil {
			return err
		}
		c, err := client.Onboard(doc)
		if err != nil {
			return fmt.Errorf("onboard: %w", err)
		}
		fmt.Println(style.SuccessBox.Render(fmt.Sprintf("✓ Customer %s onboarded", c.ID)))
		fmt.Println(style.CardStyle.Render(customerCard(c)))
		return nil
	},
}

func init() {
	onboardCmd.Flags().StringVarP(&onboardFile, "file", "f", "", "customer descriptor (YAML or JSON)")
	onboardCmd.MarkFlagRequired("file")
	customerCmd.AddCommand(customerGetCmd)
	rootCmd.AddCommand(customersCmd, customerCmd, onboardCmd)
}

func customerCard(c *model.Customer) string {
	var b strings.Builder
	b.WriteString(style.Bold.Render(c.Name))
	b.WriteString("  " + style.Status(string(c.Status)))
	b.WriteString("\n\n")

	kv := func(k, v string) {
		if v == "" {
			return
		}
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}
	kv("ID", c.ID)
	kv("Email", c.Email)
	kv("Tenant", c.TenantID)
	kv("Client", c.ClientID)
	kv("Region", c.Region)
	kv("Environment", c.Environment)
	if c.DeployedAt != nil {
		kv("Deployed", c.DeployedAt.Format("2006-01-02 15:04"))
	}

	b.WriteString("\n")
	b.WriteString(style.TableHeader.Render("  Landscape"))
	b.WriteString("\n")
	for _, comp := range c.Landscape.Components() {
		target, _ := c.Landscape.Target(comp)
		sub := target.SubscriptionID
		dot := style.DotHealthy
		if sub == "" {
			sub = "not configured"
			dot = style.DotDim
		}
		fmt.Fprintf(&b, "  %s %s %s\n", dot, style.ComponentBadge.Render(padRight(string(comp), 16)), style.DimText.Render(sub))
	}
	return b.String()
}

func components(c model.Customer) string {
	names := make([]string, 0, 2+len(c.Landscape.Spokes))
	for _, comp := range c.Landscape.Components() {
		names = append(names, string(comp))
	}
	return style.DimText.Render(strings.Join(names, " "))
}

// statusCell pads before styling so ANSI codes do not skew the columns.
func statusCell(s string, n int) string {
	pad := ""
	if len(s) < n {
		pad = strings.Repeat(" ", n-len(s))
	}
	return style.Status(s) + pad
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
