package saga

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"
)

// WriteTranscript prints one aligned line per event, oldest first:
//
//	12:30:00  ok    [acme01/hub]  plan completed (4.2s)
func WriteTranscript(w io.Writer, events []Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, evt := range events {
		msg := evt.Message
		if ms, err := strconv.ParseInt(evt.Metadata["durationMs"], 10, 64); err == nil {
			msg += fmt.Sprintf(" (%s)", (time.Duration(ms) * time.Millisecond).Round(100*time.Millisecond))
		}
		fmt.Fprintf(tw, "%s\t%s\t[%s]\t%s\n", evt.Timestamp.UTC().Format(time.TimeOnly), marker(evt.Action), target(evt), msg)
	}
	return tw.Flush()
}

func target(evt Event) string {
	if evt.Component == "" {
		return evt.CustomerID
	}
	return evt.CustomerID + "/" + evt.Component
}

func marker(action string) string {
	switch action {
	case "step.start":
		return ".."
	case "step.complete", "deploy.completed":
		return "ok"
	case "step.failed", "deploy.failed", "customer.update_failed":
		return "FAIL"
	case "deploy.pending_approval":
		return "wait"
	case "deploy.cancelled":
		return "stop"
	}
	return "--"
}
