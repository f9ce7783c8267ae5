// Command taskexecd drives TaskExecutor tasks from the command line: it
// submits a prompt, runs it to completion (or to an interrupting Outcome),
// and prints the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	executor "github.com/kastellan/taskexec/internal/executor"
	"github.com/kastellan/taskexec/internal/executor/providers"
	"github.com/kastellan/taskexec/internal/executor/routing"
	"github.com/kastellan/taskexec/internal/observability"
	"github.com/kastellan/taskexec/internal/tools/policy"
)

// providerSummaryLLM adapts the streaming executor.LLMProvider interface to
// the single-shot prompt-in/string-out shape compaction.go's summarizer
// needs, draining the completion channel into one string.
type providerSummaryLLM struct {
	provider executor.LLMProvider
}

func (a providerSummaryLLM) Summarize(ctx context.Context, prompt string) (string, error) {
	chunks, err := a.provider.Complete(ctx, &executor.CompletionRequest{
		Messages:  []executor.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Text)
	}
	return out.String(), nil
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "taskexecd",
		Short:        "TaskExecutor - plan/execute/observe task runner",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd(), buildDoctorCmd())
	return rootCmd
}

// newSupervisor wires a Supervisor for CLI use, plus a shutdown func that
// flushes the tracer's exporter and must be called before the process exits.
func newSupervisor() (*executor.Supervisor, func(context.Context) error, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if strings.TrimSpace(apiKey) == "" {
		return nil, nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	anthropicProvider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       apiKey,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		DefaultModel: "claude-sonnet-4-20250514",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("construct anthropic provider: %w", err)
	}

	var provider executor.LLMProvider = anthropicProvider
	switch {
	case strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")) != "":
		// Route code/reasoning-tagged requests to Anthropic and everything
		// else (quick lookups, chit-chat) to the cheaper Google model.
		googleProvider, err := providers.NewGoogleProvider(providers.GoogleConfig{APIKey: os.Getenv("GOOGLE_API_KEY")})
		if err != nil {
			return nil, nil, fmt.Errorf("construct google provider: %w", err)
		}
		provider = routing.NewRouter(routing.Config{
			DefaultProvider: "anthropic",
			Classifier:      &routing.HeuristicClassifier{},
			Rules: []routing.Rule{
				{Name: "code-and-reasoning", Match: routing.Match{Tags: []string{"code"}}, Target: routing.Target{Provider: "anthropic"}},
				{Name: "quick", Match: routing.Match{Tags: []string{"quick"}}, Target: routing.Target{Provider: "google"}},
			},
			Fallback: routing.Target{Provider: "anthropic"},
		}, map[string]executor.LLMProvider{"anthropic": anthropicProvider, "google": googleProvider})
	case strings.TrimSpace(os.Getenv("OPENAI_API_KEY")) != "":
		orchestrator := executor.NewFailoverOrchestrator(anthropicProvider, executor.DefaultFailoverConfig())
		orchestrator.AddProvider(providers.NewOpenAIProvider(os.Getenv("OPENAI_API_KEY")))
		provider = orchestrator
	}

	registry := executor.NewToolRegistry()
	resolver := policy.NewResolver()
	approvals := executor.NewApprovalChecker(executor.DefaultApprovalPolicy())

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "taskexecd",
		ServiceVersion: version,
		Environment:    envOrDefault("TASKEXEC_ENV", "development"),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SamplingRate:   1.0,
	})
	metrics := observability.NewMetrics()

	cfg := executor.SupervisorConfig{
		Provider:             provider,
		Registry:             registry,
		Resolver:             resolver,
		Plugins:              executor.NewPluginRegistry(),
		Approvals:            approvals,
		Snapshots:            executor.NewInMemorySnapshotStore(),
		Summarizer:           executor.NewCompactionSummarizer(providerSummaryLLM{provider: provider}),
		CompactionConfig:     executor.DefaultCompactionConfig(),
		LowProgressWindow:    6,
		LowProgressThreshold: 4,
		ContextWindow:        200_000,
		SystemPrompt:         "You are TaskExecutor, an autonomous agent that completes tasks by planning, executing tool calls, and observing their results.",
		Tracer:               tracer,
		Metrics:              metrics,
	}
	return executor.NewSupervisor(cfg), shutdown, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func buildRunCmd() *cobra.Command {
	var domain string
	var profile string
	var maxTurns int

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Execute a new task from a prompt and print its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, shutdown, err := newSupervisor()
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					slog.Warn("tracer shutdown failed", "error", err)
				}
			}()

			task := &executor.Task{
				ID:     uuid.NewString(),
				Prompt: args[0],
				Source: "cli",
				Config: executor.AgentConfig{
					MaxTurns:      maxTurns,
					BudgetProfile: executor.BudgetProfileName(profile),
					TaskDomain:    executor.TaskDomain(domain),
					ExecutionMode: executor.ModeExecute,
				},
			}

			outcome := sup.Execute(cmd.Context(), task)
			return printOutcome(outcome)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", string(executor.DomainAuto), "task domain (code, research, general, operations, auto)")
	cmd.Flags().StringVar(&profile, "budget-profile", string(executor.ProfileAuto), "budget profile (strict, balanced, aggressive, auto)")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 100, "maximum model turns before the budget is considered exhausted")
	return cmd
}

func printOutcome(outcome executor.Outcome) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"kind":            outcome.Kind,
		"terminal_status": outcome.TerminalStatus,
		"failure_class":   outcome.FailureClass,
		"result_summary":  outcome.ResultSummary,
	})
}

func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Verify required environment variables are present",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")) == "" {
				return fmt.Errorf("ANTHROPIC_API_KEY is not set")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
