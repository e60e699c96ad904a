// Package escalate implements the Escalator (C6): when a freshly generated
// or freshly run artifact fails, it drives up to six repair attempts across
// three stages plus a seventh best-available attempt, accumulating state
// across attempts and falling back to debug-trace-instrumented code in the
// middle stages to give the model more signal.
package escalate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeevolver/evolver/artifact"
	"github.com/codeevolver/evolver/eval"
	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/llmjson"
	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/node"
	"github.com/codeevolver/evolver/sandbox"
)

// Stage identifies which phase of the escalation table (stagePlan: three
// repair stages plus best-available) an attempt belongs to.
type Stage string

const (
	StageBaselineFix     Stage = "baseline_fix"
	StageLoggingAssisted Stage = "logging_assisted"
	StagePowerfulModel   Stage = "powerful_model"
	StageBestAvailable   Stage = "best_available"
)

// Outcome is the per-attempt result recorded in an EscalationAttempt.
type Outcome string

const (
	OutcomePass     Outcome = "PASS"
	OutcomeFail     Outcome = "FAIL"
	OutcomeEscalate Outcome = "ESCALATE"
)

// Attempt is the per-attempt record owned by the escalator (spec.md §3
// EscalationAttempt). The full list is threaded into every subsequent
// attempt's prompt and persisted on the final outcome.
type Attempt struct {
	AttemptNum   int
	Stage        Stage
	ModelRole    string
	Temperature  float64
	FixesApplied []string
	Analysis     string
	ErrorDigest  string
	CodeExcerpt  string
	Outcome      Outcome
	Score        float64
}

// plannedAttempt is one row of the fixed stage table (spec.md §4.6).
type plannedAttempt struct {
	num           int
	stage         Stage
	role          string // empty for the stage-7 row: filled from Request.StrongestRole
	temperature   float64
	injectLogging bool
}

var stagePlan = []plannedAttempt{
	{1, StageBaselineFix, "generator", 0.1, false},
	{2, StageBaselineFix, "generator", 0.2, false},
	{3, StageLoggingAssisted, "generator", 0.3, true},
	{4, StageLoggingAssisted, "generator", 0.4, true},
	{5, StagePowerfulModel, "escalation", 0.5, true},
	{6, StagePowerfulModel, "escalation", 0.6, true},
	{7, StageBestAvailable, "", 0.7, true},
}

// Generator is the subset of llm.Router's contract the escalator needs.
type Generator interface {
	Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error)
}

// Runner is the subset of sandbox.Runner's contract the escalator needs.
type Runner interface {
	Run(ctx context.Context, spec sandbox.Spec) (*sandbox.ExecutionMetrics, error)
}

// Evaluator is the subset of eval.Evaluator's contract the escalator needs.
type Evaluator interface {
	Evaluate(ctx context.Context, kind eval.Kind, rubric eval.RubricKind, targetArtifactID, content string, metrics *sandbox.ExecutionMetrics) (*eval.Evaluation, error)
	Triage(ctx context.Context, metrics *sandbox.ExecutionMetrics, stdout string) (eval.TriageVerdict, error)
}

// evaluateWithTriage applies spec.md §4.5's two-tier policy: the cheap
// deterministic Triage gates the expensive LLM-rubric Evaluate, which only
// runs once triage comes back UNCERTAIN.
func (e *Escalator) evaluateWithTriage(ctx context.Context, kind eval.Kind, rubric eval.RubricKind, targetArtifactID, content string, metrics *sandbox.ExecutionMetrics) (*eval.Evaluation, error) {
	stdout := content
	if metrics != nil {
		stdout = metrics.Stdout
	}
	verdict, err := e.eval.Triage(ctx, metrics, stdout)
	if err == nil && verdict != eval.TriageUncertain {
		return &eval.Evaluation{Pass: verdict == eval.TriagePass}, nil
	}
	return e.eval.Evaluate(ctx, kind, rubric, targetArtifactID, content, metrics)
}

// Request describes the artifact under repair and how to re-run it.
type Request struct {
	NodeID       string // base node id; attempt candidates are saved as NodeID + "-attempt-N"
	Task         string
	Strategy     string
	ToolsSummary string // human-readable description of available tools
	Code         string // the code that failed
	ErrorDigest  string // stdout+stderr digest from the failing run

	Command string // interpreter/compiler invocation used to run the node, e.g. "go run" or "python3"
	Args    []string
	Input   string // representative input delivered on stdin
	Timeout time.Duration

	Kind          eval.Kind
	Rubric        eval.RubricKind
	StrongestRole string // model role used for the stage-7 best-available attempt
}

// Result is returned once the escalator either finds a passing fix or
// exhausts all seven attempts.
type Result struct {
	Success              bool
	FinalCode            string
	FinalNodeID          string
	FinalScore           float64
	DebugLoggingRetained bool
	Attempts             []Attempt
	FailureReport        string
}

// Escalator drives the repair loop.
type Escalator struct {
	gen   Generator
	run   Runner
	eval  Evaluator
	nodes *node.Store
	mem   artifact.Memory
}

// NewEscalator constructs an Escalator.
func NewEscalator(gen Generator, run Runner, evaluator Evaluator, nodes *node.Store, mem artifact.Memory) *Escalator {
	return &Escalator{gen: gen, run: run, eval: evaluator, nodes: nodes, mem: mem}
}

// attemptResponse is the strict JSON envelope requested from the model at
// each attempt (spec.md §4.6 step 2).
type attemptResponse struct {
	Code         string   `json:"code"`
	FixesApplied []string `json:"fixes_applied"`
	Analysis     string   `json:"analysis"`
}

// Run executes the escalation loop for req, returning once a fix passes
// evaluation or all seven attempts are exhausted.
func (e *Escalator) Run(ctx context.Context, req Request) (*Result, error) {
	var attempts []Attempt
	currentErrorDigest := req.ErrorDigest

	for _, planned := range stagePlan {
		role := planned.role
		if role == "" {
			role = req.StrongestRole
		}

		prompt := buildAttemptPrompt(req, attempts, planned, currentErrorDigest)
		temp := planned.temperature
		text, err := e.gen.Generate(ctx, role, []model.Message{{Role: model.ConversationRoleUser, Text: prompt}}, llm.Options{Temperature: &temp})
		if err != nil {
			digest := fmt.Sprintf("generate error: %v", err)
			attempts = append(attempts, Attempt{
				AttemptNum:  planned.num,
				Stage:       planned.stage,
				ModelRole:   role,
				Temperature: planned.temperature,
				Analysis:    digest,
				ErrorDigest: digest,
				Outcome:     OutcomeFail,
			})
			currentErrorDigest = digest
			continue
		}

		var resp attemptResponse
		if err := llmjson.Strict(text, &resp); err != nil {
			// GenerationParseError (spec.md §7): treated as a normal attempt
			// failure, not aborted — the next attempt is prompted with the
			// parse error quoted as the last error.
			digest := fmt.Sprintf("generation response was not valid JSON: %v", err)
			attempts = append(attempts, Attempt{
				AttemptNum:  planned.num,
				Stage:       planned.stage,
				ModelRole:   role,
				Temperature: planned.temperature,
				Analysis:    digest,
				ErrorDigest: digest,
				CodeExcerpt: excerpt(text),
				Outcome:     OutcomeFail,
			})
			currentErrorDigest = digest
			continue
		}
		code := llmjson.Extract(resp.Code)
		if code == "" {
			code = resp.Code
		}
		if planned.injectLogging {
			code = InsertTraces(code)
		}

		candidateID := fmt.Sprintf("%s-attempt-%d", req.NodeID, planned.num)
		n := &node.Node{ID: candidateID, Entrypoint: req.Command}
		if err := e.nodes.Save(n, code, ""); err != nil {
			return nil, fmt.Errorf("escalate: attempt %d save node: %w", planned.num, err)
		}

		metrics, runErr := e.run.Run(ctx, sandbox.Spec{
			Command: req.Command,
			Args:    req.Args,
			Input:   req.Input,
			Timeout: req.Timeout,
		})
		if runErr != nil {
			return nil, fmt.Errorf("escalate: attempt %d run: %w", planned.num, runErr)
		}
		_ = e.nodes.RecordExecution(candidateID, metrics)

		evaluation, err := e.evaluateWithTriage(ctx, req.Kind, req.Rubric, candidateID, code, metrics)
		if err != nil {
			return nil, fmt.Errorf("escalate: attempt %d evaluate: %w", planned.num, err)
		}

		digest := errorDigest(metrics)
		attempt := Attempt{
			AttemptNum:   planned.num,
			Stage:        planned.stage,
			ModelRole:    role,
			Temperature:  planned.temperature,
			FixesApplied: resp.FixesApplied,
			Analysis:     resp.Analysis,
			ErrorDigest:  digest,
			CodeExcerpt:  excerpt(code),
			Score:        evaluation.Score,
		}

		if metrics.ExitCode == 0 && !metrics.TimedOut && evaluation.Pass {
			attempt.Outcome = OutcomePass
			attempts = append(attempts, attempt)
			return e.finishSuccess(ctx, req, candidateID, code, attempts)
		}

		attempt.Outcome = OutcomeFail
		attempts = append(attempts, attempt)
		currentErrorDigest = digest
	}

	return e.finishExhausted(ctx, req, attempts)
}

// finishSuccess runs the cleanup pass (spec.md §4.6 "Cleanup on success")
// and persists terminal artifacts.
func (e *Escalator) finishSuccess(ctx context.Context, req Request, candidateID, code string, attempts []Attempt) (*Result, error) {
	finalCode := code
	finalID := candidateID
	finalScore := attempts[len(attempts)-1].Score
	retained := HasTraces(code)

	if HasTraces(code) {
		cleaned := StripTraces(code)
		cleanID := candidateID + "-cleaned"
		n := &node.Node{ID: cleanID, Entrypoint: req.Command}
		if err := e.nodes.Save(n, cleaned, ""); err != nil {
			return nil, fmt.Errorf("escalate: save cleaned candidate: %w", err)
		}
		metrics, err := e.run.Run(ctx, sandbox.Spec{Command: req.Command, Args: req.Args, Input: req.Input, Timeout: req.Timeout})
		if err != nil {
			return nil, fmt.Errorf("escalate: run cleaned candidate: %w", err)
		}
		_ = e.nodes.RecordExecution(cleanID, metrics)
		evaluation, err := e.evaluateWithTriage(ctx, req.Kind, req.Rubric, cleanID, cleaned, metrics)
		if err != nil {
			return nil, fmt.Errorf("escalate: evaluate cleaned candidate: %w", err)
		}
		if metrics.ExitCode == 0 && !metrics.TimedOut && evaluation.Pass {
			finalCode = cleaned
			finalID = cleanID
			finalScore = evaluation.Score
			retained = false
		}
	}

	if e.mem != nil {
		fn := &artifact.Artifact{
			ID:          finalID,
			Type:        artifact.TypeFunction,
			Name:        req.NodeID,
			Description: req.Task,
			Content:     finalCode,
			Tags:        []string{"escalated"},
			Metadata: map[string]string{
				"debug_logging_retained": boolString(retained),
				"attempts":               fmt.Sprintf("%d", len(attempts)),
			},
			QualityScore: finalScore,
		}
		if err := e.mem.Put(ctx, fn); err != nil && err != artifact.ErrEmbeddingUnavailable {
			return nil, fmt.Errorf("escalate: record function artifact: %w", err)
		}
		if err := e.mem.Put(ctx, trajectoryArtifact(req, attempts, true)); err != nil && err != artifact.ErrEmbeddingUnavailable {
			return nil, fmt.Errorf("escalate: record pattern artifact: %w", err)
		}
	}

	return &Result{
		Success:              true,
		FinalCode:            finalCode,
		FinalNodeID:          finalID,
		FinalScore:           finalScore,
		DebugLoggingRetained: retained,
		Attempts:             attempts,
	}, nil
}

// finishExhausted persists the best-scoring attempt and the full trajectory
// as a FAILURE artifact, then surfaces a structured report.
func (e *Escalator) finishExhausted(ctx context.Context, req Request, attempts []Attempt) (*Result, error) {
	best := bestAttempt(attempts)

	if e.mem != nil {
		fail := trajectoryArtifact(req, attempts, false)
		fail.Content = fmt.Sprintf("best attempt: %d (score=%.3f)\n%s\n\n%s", best.AttemptNum, best.Score, best.CodeExcerpt, fail.Content)
		fail.QualityScore = best.Score
		fail.Metadata["best_attempt"] = fmt.Sprintf("%d", best.AttemptNum)
		if err := e.mem.Put(ctx, fail); err != nil && err != artifact.ErrEmbeddingUnavailable {
			return nil, fmt.Errorf("escalate: record failure artifact: %w", err)
		}
	}

	return &Result{
		Success:       false,
		FinalCode:     best.CodeExcerpt,
		FinalScore:    best.Score,
		Attempts:      attempts,
		FailureReport: buildFailureReport(req, attempts),
	}, nil
}

// bestAttempt picks the highest-scoring attempt, breaking ties by the
// shortest error digest (spec.md §4.6: "fewest remaining errors").
func bestAttempt(attempts []Attempt) Attempt {
	best := attempts[0]
	for _, a := range attempts[1:] {
		switch {
		case a.Score > best.Score:
			best = a
		case a.Score == best.Score && len(a.ErrorDigest) < len(best.ErrorDigest):
			best = a
		}
	}
	return best
}

func trajectoryArtifact(req Request, attempts []Attempt, success bool) *artifact.Artifact {
	typ := artifact.TypeFailure
	name := "escalation failure: " + req.NodeID
	if success {
		typ = artifact.TypePattern
		name = "escalation trajectory: " + req.NodeID
	}
	return &artifact.Artifact{
		ID:          req.NodeID + ":trajectory",
		Type:        typ,
		Name:        name,
		Description: req.Task,
		Content:     buildFailureReport(req, attempts),
		Tags:        []string{"escalation"},
		Metadata:    map[string]string{"attempt_count": fmt.Sprintf("%d", len(attempts))},
	}
}

func buildFailureReport(req Request, attempts []Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\n", req.Task)
	for _, a := range attempts {
		fmt.Fprintf(&b, "attempt %d [%s/%s] role=%s temp=%.1f outcome=%s score=%.3f\n  analysis: %s\n  fixes: %s\n  error: %s\n",
			a.AttemptNum, a.Stage, a.Outcome, a.ModelRole, a.Temperature, a.Outcome, a.Score, a.Analysis,
			strings.Join(a.FixesApplied, ", "), a.ErrorDigest)
	}
	return b.String()
}

func buildAttemptPrompt(req Request, prior []Attempt, planned plannedAttempt, errorDigest string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task:\n%s\n\nstrategy:\n%s\n\navailable tools:\n%s\n\ncurrent code:\n%s\n\nlast error:\n%s\n\n",
		req.Task, req.Strategy, req.ToolsSummary, req.Code, errorDigest)
	if len(prior) > 0 {
		b.WriteString("prior attempts:\n")
		for _, a := range prior {
			fmt.Fprintf(&b, "- attempt %d (%s, role=%s, temp=%.1f): %s | fixes: %s | error: %s\n",
				a.AttemptNum, a.Stage, a.ModelRole, a.Temperature, a.Analysis,
				strings.Join(a.FixesApplied, ", "), a.ErrorDigest)
		}
	}
	if planned.injectLogging {
		b.WriteString("\nInclude structured debug statements at the entry and exit of each function you define, and around any risky operation.\n")
	}
	b.WriteString("\nRespond with JSON only: {\"code\": \"...\", \"fixes_applied\": [...], \"analysis\": \"...\"}.\n")
	return b.String()
}

func errorDigest(metrics *sandbox.ExecutionMetrics) string {
	if metrics == nil {
		return ""
	}
	digest := metrics.Stderr
	if digest == "" {
		digest = metrics.Stdout
	}
	return excerpt(digest)
}

func excerpt(s string) string {
	const maxLen = 2000
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
