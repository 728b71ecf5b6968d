package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"caflz/api/model"
	"caflz/cli/style"
)

var (
	listCustomer string
	listLimit    int
	showOutput   bool
)

var statusCmd = &cobra.Command{
	Use:     "status <deployment-id>",
	Short:   "Show one deployment",
	Aliases: []string{"s"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		d, err := client.GetDeployment(id)
		if err != nil {
			return fmt.Errorf("fetch deployment: %w", err)
		}
		fmt.Println(style.CardStyle.Render(deploymentCard(d)))
		if showOutput {
			if d.PlanOutput != "" {
				fmt.Println(style.TableHeader.Render("  Plan"))
				fmt.Println(d.PlanOutput)
			}
			if d.ApplyOutput != "" {
				fmt.Println(style.TableHeader.Render("  Apply"))
				fmt.Println(d.ApplyOutput)
			}
		}
		return nil
	},
}

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List recent deployments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := client.ListDeployments(listCustomer, listLimit)
		if err != nil {
			return fmt.Errorf("fetch deployments: %w", err)
		}
		if len(list) == 0 {
			fmt.Println(style.DimText.Render("No deployments."))
			return nil
		}
		header := fmt.Sprintf("  %-6s %-16s %-16s %-8s %-18s %-5s %s", "ID", "CUSTOMER", "COMPONENT", "ACTION", "STATUS", "PROG", "STARTED")
		fmt.Println(style.TableHeader.Render(header))
		for _, d := range list {
			fmt.Printf("  %-6d %-16s %s %-8s %s %-5s %s\n",
				d.ID,
				d.CustomerID,
				style.ComponentBadge.Render(padRight(string(d.Component), 16)),
				d.Action,
				statusCell(string(d.Status), 18),
				fmt.Sprintf("%d%%", d.Progress),
				style.DimText.Render(d.StartedAt.Local().Format("2006-01-02 15:04")),
			)
		}
		fmt.Println()
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <deployment-id>",
	Short: "Apply a plan waiting for approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		d, err := client.Approve(id)
		if err != nil {
			return fmt.Errorf("approve: %w", err)
		}
		fmt.Println(style.SuccessBox.Render(fmt.Sprintf("✓ Deployment %d approved, applying %s/%s", d.ID, d.CustomerID, d.Component)))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <deployment-id>",
	Short: "Discard a plan waiting for approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		d, err := client.Cancel(id)
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Println(style.WaitBox.Render(fmt.Sprintf("Deployment %d cancelled", d.ID)))
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <deployment-id>",
	Short: "Show the audit trail of a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		events, err := client.Events(id)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println(style.DimText.Render("no events"))
			return nil
		}
		fmt.Println(style.Title.Render(fmt.Sprintf("deployment %d", id)))
		for _, evt := range events {
			fmt.Printf("  %s %s %s\n",
				style.DimText.Render(evt.Timestamp.Local().Format("15:04:05")),
				actionIcon(evt.Action),
				evt.Message,
			)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&showOutput, "output", false, "print plan and apply output")
	deploymentsCmd.Flags().StringVar(&listCustomer, "customer", "", "filter by customer id")
	deploymentsCmd.Flags().IntVar(&listLimit, "limit", 20, "number of deployments")
	rootCmd.AddCommand(statusCmd, deploymentsCmd, approveCmd, cancelCmd, eventsCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid deployment id %q", s)
	}
	return id, nil
}

func deploymentCard(d *model.Deployment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s\n\n",
		style.Bold.Render(fmt.Sprintf("#%d %s", d.ID, d.Action)),
		style.ComponentBadge.Render(d.CustomerID+"/"+string(d.Component)),
		style.Status(string(d.Status)),
	)
	kv := func(k, v string) {
		if v == "" {
			return
		}
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}
	kv("Progress", fmt.Sprintf("%d%%", d.Progress))
	kv("Step", d.CurrentStep)
	if d.HasChanges != nil {
		kv("Changes", strconv.FormatBool(*d.HasChanges))
	}
	kv("Triggered by", d.TriggeredBy)
	kv("Started", d.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if d.ElapsedSeconds != nil {
		kv("Elapsed", fmt.Sprintf("%ds", *d.ElapsedSeconds))
	}
	if d.Error != "" {
		kv("Error", style.StepFailed.Render(d.ErrorKind)+" "+d.Error)
	}
	if d.Resources != nil && d.Resources.Count > 0 {
		kinds := make([]string, 0, len(d.Resources.Resources))
		for kind, addrs := range d.Resources.Resources {
			kinds = append(kinds, fmt.Sprintf("%s=%d", kind, len(addrs)))
		}
		sort.Strings(kinds)
		kv("Resources", strings.Join(kinds, " "))
	}
	if len(d.Outputs) > 0 {
		names := make([]string, 0, len(d.Outputs))
		for name := range d.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\n")
		b.WriteString(style.TableHeader.Render("  Outputs"))
		b.WriteString("\n")
		for _, name := range names {
			o := d.Outputs[name]
			v := string(o.Value)
			if o.Sensitive {
				v = style.DimText.Render("(sensitive)")
			}
			fmt.Fprintf(&b, "  %s %s\n", style.Key.Render(name), v)
		}
	}
	return b.String()
}

func actionIcon(action string) string {
	switch action {
	case "step.start":
		return style.StepRunning.Render("▶")
	case "step.complete":
		return style.StepDone.Render("✓")
	case "step.failed":
		return style.StepFailed.Render("✗")
	case "deploy.completed":
		return style.Healthy.Render("✓")
	case "deploy.failed":
		return style.Unhealthy.Render("✗")
	case "deploy.pending_approval":
		return style.Warning.Render("⏸")
	default:
		return style.DimText.Render("·")
	}
}
