package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codeevolver/evolver/artifact"
	"github.com/codeevolver/evolver/artifact/inmem"
	"github.com/codeevolver/evolver/escalate"
	"github.com/codeevolver/evolver/eval"
	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/llm/anthropic"
	"github.com/codeevolver/evolver/llm/bedrock"
	"github.com/codeevolver/evolver/llm/openai"
	"github.com/codeevolver/evolver/llm/ratelimit"
	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/node"
	"github.com/codeevolver/evolver/pipeline"
	"github.com/codeevolver/evolver/policy"
	"github.com/codeevolver/evolver/sandbox"
	"github.com/codeevolver/evolver/telemetry"
	"github.com/codeevolver/evolver/toolregistry"
	"github.com/codeevolver/evolver/workflow"
)

// App composes every Code Evolver component from a loaded Config, the same
// one-struct-built-by-NewApp shape cmd/semspec/app.go uses to wire its
// embedded server, NATS connection, and executors before handing control to
// one-shot or REPL callers.
type App struct {
	cfg      *Config
	logger   telemetry.Logger
	router   *llm.Router
	mem      artifact.Memory
	tools    *toolregistry.Registry
	nodes    *node.Store
	runner   *sandbox.Runner
	eval     *eval.Evaluator
	escalate *escalate.Escalator
	planner  *workflow.Planner
	pipeline *pipeline.Pipeline
}

// NewApp wires every Code Evolver component from cfg. Backend API keys are
// read from the environment (ANTHROPIC_API_KEY, OPENAI_API_KEY); Bedrock
// credentials come from the ambient AWS config chain, matching the spec's
// treatment of secrets as an external collaborator (policy.go's own doc
// comment: "wiring it to CLI flags and secrets is left to cmd/evolver").
func NewApp(ctx context.Context, cfg *Config, logger telemetry.Logger) (*App, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	factories, err := buildFactories(ctx)
	if err != nil {
		return nil, fmt.Errorf("build llm factories: %w", err)
	}
	resolver, err := policy.NewResolver(&cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("build policy resolver: %w", err)
	}
	router := llm.New(resolver, factories, logger, telemetry.NewNoopTracer())

	mem, err := buildMemory(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("build artifact memory: %w", err)
	}

	nodes, err := node.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open node store: %w", err)
	}

	runner := sandbox.NewRunner()

	tools := toolregistry.NewRegistry(mem,
		toolregistry.WithLLMGenerator(&llmGeneratorAdapter{gen: router}),
		toolregistry.WithExecutableRunner(&executableRunnerAdapter{runner: runner, cfg: cfg}),
		toolregistry.WithWorkflowRunner(workflow.NewExecutor(
			workflow.WithGenerator(router),
			workflow.WithRunner(runner),
			workflow.WithWorkflowLookup(workflow.NewArtifactLookup(mem)),
		)),
	)

	thresholds := make(map[eval.Kind]eval.ThresholdConfig, len(cfg.Thresholds))
	for k, v := range cfg.Thresholds {
		thresholds[eval.Kind(k)] = v.toEval()
	}
	evaluator := eval.NewEvaluator(router, mem, eval.NewThresholdTracker(thresholds))

	escalator := escalate.NewEscalator(router, runner, evaluator, nodes, mem)

	planner := workflow.NewPlanner(router, "overseer")

	pcfg := pipeline.DefaultConfig()
	pcfg.Command = cfg.Sandbox.Command
	pcfg.Args = cfg.Sandbox.Args
	pcfg.Timeout = cfg.Sandbox.timeout()

	p := pipeline.NewPipeline(
		&toolSelectorAdapter{tools: tools},
		router,
		runner,
		evaluator,
		escalator,
		nodes,
		mem,
		pcfg,
		pipeline.WithWorkflow(planner),
		pipeline.WithWorkflowToolInvoker(tools),
		pipeline.WithWorkflowLookup(workflow.NewArtifactLookup(mem)),
		pipeline.WithLogger(logger),
	)

	return &App{
		cfg:      cfg,
		logger:   logger,
		router:   router,
		mem:      mem,
		tools:    tools,
		nodes:    nodes,
		runner:   runner,
		eval:     evaluator,
		escalate: escalator,
		planner:  planner,
		pipeline: p,
	}, nil
}

// toolSelectorAdapter narrows toolregistry.Registry to pipeline.ToolSelector
// (Select's real signature), the same narrow-local-interface pattern
// pipeline already applies to its other dependencies.
type toolSelectorAdapter struct {
	tools *toolregistry.Registry
}

func (a *toolSelectorAdapter) Select(ctx context.Context, taskText string, minSimilarity float64) (*toolregistry.Tool, error) {
	return a.tools.Select(ctx, taskText, minSimilarity)
}

// llmGeneratorAdapter narrows llm.Router to toolregistry.LLMGenerator,
// whose dispatch contract is a bare role+prompt rather than a message list.
type llmGeneratorAdapter struct {
	gen *llm.Router
}

func (a *llmGeneratorAdapter) Generate(ctx context.Context, role string, prompt string) (string, error) {
	return a.gen.Generate(ctx, role, []model.Message{{Role: model.ConversationRoleUser, Text: prompt}}, llm.Options{})
}

// executableRunnerAdapter narrows sandbox.Runner to toolregistry.ExecutableRunner,
// building a sandbox.Spec from the registry's bare command/args/input/timeout
// call shape and translating sandbox.ExecutionMetrics to the registry's own
// copy of that shape.
type executableRunnerAdapter struct {
	runner *sandbox.Runner
	cfg    *Config
}

func (a *executableRunnerAdapter) RunCommand(ctx context.Context, command string, args []string, input string, timeout time.Duration) (*toolregistry.ExecutionMetrics, error) {
	if timeout <= 0 {
		timeout = a.cfg.Sandbox.timeout()
	}
	metrics, err := a.runner.Run(ctx, sandbox.Spec{
		Command: command,
		Args:    args,
		Input:   input,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return &toolregistry.ExecutionMetrics{
		LatencyMS:    metrics.LatencyMS,
		CPUTimeMS:    metrics.CPUTimeMS,
		MemoryMBPeak: metrics.MemoryMBPeak,
		ExitCode:     metrics.ExitCode,
		Success:      metrics.Success,
		Stdout:       metrics.Stdout,
		Stderr:       metrics.Stderr,
	}, nil
}

// buildFactories registers an llm.Factory per backend whose credentials are
// present in the environment. A backend with no credentials is simply
// omitted; llm.Router.Generate returns a "no factory registered for
// backend" error for any role resolved to it rather than failing at startup, since a deployment may
// only ever exercise one or two backends.
func buildFactories(ctx context.Context) (map[policy.Backend]llm.Factory, error) {
	factories := make(map[policy.Backend]llm.Factory)

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		limiter := ratelimit.New(60000, 240000)
		factories[policy.BackendAnthropic] = func(endpoint, modelID string) (model.Client, error) {
			var (
				client model.Client
				err    error
			)
			if endpoint == "" {
				client, err = anthropic.NewFromAPIKey(key, modelID)
			} else {
				opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(key), anthropicoption.WithBaseURL(endpoint)}
				sdkClient := anthropicsdk.NewClient(opts...)
				client, err = anthropic.New(&sdkClient.Messages, anthropic.Options{DefaultModel: modelID})
			}
			if err != nil {
				return nil, err
			}
			return limiter.Wrap(client), nil
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		limiter := ratelimit.New(90000, 360000)
		factories[policy.BackendOpenAI] = func(endpoint, modelID string) (model.Client, error) {
			var (
				client model.Client
				err    error
			)
			if endpoint == "" {
				client, err = openai.NewFromAPIKey(key, modelID)
			} else {
				client, err = openai.NewFromBaseURL(endpoint, key, modelID)
			}
			if err != nil {
				return nil, err
			}
			return limiter.Wrap(client), nil
		}
	}

	if region := os.Getenv("AWS_REGION"); region != "" || os.Getenv("AWS_PROFILE") != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		runtime := bedrockruntime.NewFromConfig(awsCfg)
		limiter := ratelimit.New(60000, 240000)
		factories[policy.BackendBedrock] = func(_, modelID string) (model.Client, error) {
			client, err := bedrock.New(runtime, bedrock.Options{DefaultModel: modelID})
			if err != nil {
				return nil, err
			}
			return limiter.Wrap(client), nil
		}
	}

	return factories, nil
}

func buildMemory(cfg EmbeddingConfig) (artifact.Memory, error) {
	if cfg.Backend == "" || cfg.Backend == "none" {
		return inmem.New(), nil
	}
	if cfg.Backend != "openai" {
		return nil, fmt.Errorf("unsupported embedding backend %q", cfg.Backend)
	}
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("embedding backend %q requires OPENAI_API_KEY", cfg.Backend)
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = 1536
	}
	embedder, err := openai.NewEmbedderFromAPIKey(apiKey, cfg.Model, dim)
	if err != nil {
		return nil, fmt.Errorf("build openai embedder: %w", err)
	}
	return inmem.New(inmem.WithEmbedder(embedder), inmem.WithDimension(dim)), nil
}

func defaultLogger(verbose bool) telemetry.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return telemetry.NewSlogLogger(slog.New(h))
}
