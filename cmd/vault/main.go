package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-term/internal/client"
	"github.com/nidhogg/vault-term/internal/command"
	"github.com/nidhogg/vault-term/internal/config"
	"github.com/nidhogg/vault-term/internal/history"
	"github.com/nidhogg/vault-term/internal/metrics"
	"github.com/nidhogg/vault-term/internal/protocol"
	"github.com/nidhogg/vault-term/internal/session"
	"github.com/nidhogg/vault-term/internal/stream"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", envOr("CONFIG_PATH", "configs/vault.json"), "config file path")
	server := flag.String("server", "", "backend URL (overrides config)")
	model := flag.String("model", "", "chat model (overrides config)")
	verbose := flag.Bool("verbose", false, "log client internals to stderr")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// The CLI works without a config file; fall back to defaults.
		cfg = &config.Config{}
		cfg.Backend.Endpoint = "http://localhost:8000"
	}
	if *server != "" {
		cfg.Backend.Endpoint = *server
	}
	if *model != "" {
		cfg.Backend.Model = *model
	}

	transport := stream.NewTransport(cfg.Backend.Endpoint, cfg.Backend.Timeout(), logger)
	store := history.NewStore(logger)
	hub := client.NewHub(logger)
	tracker := metrics.NewTracker(logger)

	var uc *protocol.UserContext
	if cfg.Backend.UserContext != nil {
		uc = &protocol.UserContext{
			City:     cfg.Backend.UserContext.City,
			Timezone: cfg.Backend.UserContext.Timezone,
		}
	}
	c := client.New(transport, store, hub, tracker, client.Options{
		Model:         cfg.Backend.Model,
		UseReflection: cfg.Backend.UseReflection,
		UserContext:   uc,
		HistoryLimit:  cfg.Backend.HistoryLimit,
	}, logger)

	commands := command.NewRegistry()
	command.RegisterBuiltins(commands)

	fmt.Println("Vault Term")
	fmt.Printf("Backend: %s", cfg.Backend.Endpoint)
	if c.Model() != "" {
		fmt.Printf(" | Model: %s", c.Model())
	}
	fmt.Println()
	fmt.Println("Type 'exit' or 'quit' to leave. Type /help for commands.")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" || input == "/quit" {
			fmt.Println("Bye!")
			return
		}

		if command.IsCommand(input) {
			result, err := commands.Dispatch(context.Background(), input, &command.Context{
				Platform: "cli",
				Client:   c,
				Tracker:  tracker,
			})
			if err != nil {
				printError("Command failed: %v", err)
				continue
			}
			fmt.Println(result.Content)
			continue
		}

		runTurn(c, hub, input)
	}
}

// runTurn streams one turn, rendering thinking steps as they arrive and the
// final answer when the turn leaves the streaming state.
func runTurn(c *client.Client, hub *client.Hub, input string) {
	updates, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.Submit(context.Background(), input); err != nil {
			printError("%v", err)
		}
	}()

	printed := 0
	render := func(u client.Update) bool {
		for _, step := range u.View.Thinking[printed:] {
			line := step.Step
			if step.Detail != "" {
				line += " — " + step.Detail
			}
			fmt.Printf("\033[2m  · %s\033[0m\n", line)
		}
		printed = len(u.View.Thinking)

		if u.Terminal {
			renderFinal(u.View)
			return true
		}
		return false
	}

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				<-done
				return
			}
			if render(u) {
				<-done
				return
			}
		case <-done:
			// Submission was rejected or the terminal update is still
			// buffered; drain whatever is left.
			for {
				select {
				case u := <-updates:
					if render(u) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func renderFinal(view session.TurnView) {
	if view.Failed {
		printError("%s", view.Content)
		return
	}

	fmt.Printf("\033[36m%s\033[0m\n", view.Content)

	if view.Moderation != nil && view.Moderation.Verdict != "allow" {
		fmt.Printf("\033[33m[moderation: %s]\033[0m\n", view.Moderation.Verdict)
	}
	if view.Total != nil {
		fmt.Printf("\033[2m[%d in / %d out tokens, $%.6f]\033[0m\n",
			view.Total.InputTokens, view.Total.OutputTokens, view.Total.Cost)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
