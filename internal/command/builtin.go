package command

import (
	"context"
	"fmt"
	"strings"
)

// RegisterBuiltins wires the standard client commands into a registry.
func RegisterBuiltins(reg *Registry) {
	reg.Register(&Command{
		Name:        "help",
		Description: "List available commands",
		Usage:       "/help",
		Handler: func(_ context.Context, _ string, _ *Context) (*Result, error) {
			var b strings.Builder
			b.WriteString("Available commands:\n")
			for _, cmd := range reg.List() {
				fmt.Fprintf(&b, "  %-24s %s\n", cmd.Usage, cmd.Description)
			}
			return &Result{Content: b.String()}, nil
		},
	})

	reg.Register(&Command{
		Name:        "models",
		Description: "List backend chat models",
		Usage:       "/models",
		Handler: func(ctx context.Context, _ string, cc *Context) (*Result, error) {
			models, err := cc.Client.Models(ctx)
			if err != nil {
				return &Result{Content: fmt.Sprintf("Could not fetch models: %v", err)}, nil
			}
			if len(models) == 0 {
				return &Result{Content: "No models available."}, nil
			}
			var b strings.Builder
			b.WriteString("Available models:\n")
			for _, m := range models {
				marker := " "
				if m == cc.Client.Model() {
					marker = "*"
				}
				fmt.Fprintf(&b, "  %s %s\n", marker, m)
			}
			return &Result{Content: b.String(), Data: models}, nil
		},
	})

	reg.Register(&Command{
		Name:        "model",
		Description: "Show or switch the active model",
		Usage:       "/model [name]",
		Handler: func(_ context.Context, args string, cc *Context) (*Result, error) {
			if args == "" {
				return &Result{Content: "Active model: " + cc.Client.Model()}, nil
			}
			cc.Client.SetModel(args)
			return &Result{Content: "Switched model to " + args}, nil
		},
	})

	reg.Register(&Command{
		Name:        "metrics",
		Description: "Show aggregate usage for this session",
		Usage:       "/metrics",
		Handler: func(_ context.Context, _ string, cc *Context) (*Result, error) {
			if cc.Tracker == nil {
				return &Result{Content: "Usage tracking is disabled."}, nil
			}
			s := cc.Tracker.Summary()
			content := fmt.Sprintf(
				"Requests: %d\nTokens: %d in / %d out (%d total)\nCost: $%.6f",
				s.TotalRequests, s.TotalInputTokens, s.TotalOutputTokens,
				s.TotalTokens, s.TotalCostUSD,
			)
			return &Result{Content: content, Data: s}, nil
		},
	})

	reg.Register(&Command{
		Name:        "clear",
		Description: "Clear the conversation history",
		Usage:       "/clear",
		Handler: func(_ context.Context, _ string, cc *Context) (*Result, error) {
			cc.Client.Store().ClearAll()
			return &Result{Content: "History cleared."}, nil
		},
	})
}
