// Package main implements the evolver CLI, the entry point to Code
// Evolver's Generation-Execution-Repair loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeevolver/evolver/artifact"
	"github.com/codeevolver/evolver/node"
	"github.com/codeevolver/evolver/sandbox"
	"github.com/codeevolver/evolver/toolregistry"
)

// Build information (set via ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:     "evolver",
		Short:   "Self-improving code generation over a Generation-Execution-Repair loop",
		Version: fmt.Sprintf("%s (built %s)", version, buildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a policy/runtime config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(
		newGenerateCmd(&configPath, &verbose),
		newRunCmd(&configPath, &verbose),
		newListCmd(&configPath, &verbose),
		newToolsCmd(&configPath, &verbose),
		newSearchCmd(&configPath, &verbose),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func newApp(ctx context.Context, configPath string, verbose bool) (*App, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApp(ctx, cfg, defaultLogger(verbose))
}

func newGenerateCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "generate [task]",
		Short: "Generate, run, evaluate, and repair an artifact for a task description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, *verbose)
			if err != nil {
				return err
			}
			result, err := app.pipeline.Handle(cmd.Context(), args[0])
			if err != nil && result == nil {
				return err
			}

			fmt.Printf("tool:        %s (generic_fallback=%v)\n", result.ToolUsed, result.GenericFallbackUsed)
			fmt.Printf("workflow_id: %s\n", result.WorkflowID)
			fmt.Printf("node_id:     %s\n", result.NodeID)
			fmt.Printf("pass:        %v (score %.2f)\n", result.Pass, result.FinalScore)
			fmt.Printf("attempts:    %d\n", len(result.Attempts))
			for i, a := range result.Attempts {
				fmt.Printf("  [%d] stage=%-17s pass=%-5v score=%.2f\n", i, a.Stage, a.Pass, a.Score)
			}
			fmt.Println("--- final code ---")
			fmt.Println(result.FinalCode)

			if err != nil {
				return fmt.Errorf("task did not converge: %w", err)
			}
			return nil
		},
	}
}

func newRunCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run [node-id]",
		Short: "Re-execute a previously saved node in the sandbox and print its metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, *verbose)
			if err != nil {
				return err
			}
			n, err := app.nodes.Get(args[0])
			if err != nil {
				return fmt.Errorf("lookup node: %w", err)
			}
			metrics, err := app.runner.Run(cmd.Context(), sandboxSpecFor(app, n))
			if err != nil {
				return fmt.Errorf("run node: %w", err)
			}
			if recordErr := app.nodes.RecordExecution(n.ID, metrics); recordErr != nil {
				app.logger.Warn(cmd.Context(), "record execution failed", "err", recordErr)
			}
			fmt.Printf("exit_code=%d success=%v timed_out=%v latency_ms=%d\n", metrics.ExitCode, metrics.Success, metrics.TimedOut, metrics.LatencyMS)
			fmt.Println("--- stdout ---")
			fmt.Println(metrics.Stdout)
			if metrics.Stderr != "" {
				fmt.Println("--- stderr ---")
				fmt.Println(metrics.Stderr)
			}
			return nil
		},
	}
}

func newListCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every saved node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, *verbose)
			if err != nil {
				return err
			}
			nodes, err := app.nodes.List()
			if err != nil {
				return fmt.Errorf("list nodes: %w", err)
			}
			for _, n := range nodes {
				fmt.Printf("%s\tentrypoint=%s\tcreated=%s\n", n.ID, n.Entrypoint, n.CreatedAt.Format("2006-01-02T15:04:05"))
			}
			return nil
		},
	}
}

func newToolsCmd(configPath *string, verbose *bool) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List registered tools in the Tool Registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, *verbose)
			if err != nil {
				return err
			}
			for _, t := range app.tools.List(toolKindFromFlag(kind)) {
				fmt.Printf("%s\t%-20s kind=%-16s quality=%.2f uses=%d failures=%d deprecated=%v\n",
					t.ID, t.Name, t.Kind, t.QualityScore, t.UsageCount, t.FailureCount, t.Deprecated)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by tool kind (llm_specialist, executable, workflow, generic_fallback)")
	return cmd
}

func newSearchCmd(configPath *string, verbose *bool) *cobra.Command {
	var (
		artifactType string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Semantic search over the Artifact Memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, *verbose)
			if err != nil {
				return err
			}
			results, err := app.mem.Search(cmd.Context(), artifact.SearchQuery{
				Text: args[0],
				Type: artifact.Type(artifactType),
				K:    limit,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			for _, r := range results {
				fmt.Printf("%.3f\t%s\t%s\t%s\n", r.Similarity, r.Artifact.ID, r.Artifact.Type, r.Artifact.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&artifactType, "type", "", "restrict to an artifact type")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of results")
	return cmd
}

func sandboxSpecFor(app *App, n *node.Node) sandbox.Spec {
	return sandbox.Spec{
		Command: app.cfg.Sandbox.Command,
		Args:    app.cfg.Sandbox.Args,
		Timeout: app.cfg.Sandbox.timeout(),
	}
}

func toolKindFromFlag(kind string) toolregistry.Kind {
	if kind == "" {
		return ""
	}
	return toolregistry.Kind(kind)
}
