// Package eval implements the Evaluator (C5): a cheap deterministic triage
// pass ahead of an expensive LLM-rubric full evaluation, plus a threshold
// policy that auto-adjusts downward (bounded by a configured floor) as
// evidence accumulates that a step's threshold is unrealistically strict.
package eval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/codeevolver/evolver/artifact"
	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/llmjson"
	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/sandbox"
)

// TriageVerdict is the outcome of the cheap, rule-based first tier.
type TriageVerdict string

const (
	TriagePass      TriageVerdict = "PASS"
	TriageFail      TriageVerdict = "FAIL"
	TriageUncertain TriageVerdict = "UNCERTAIN"
)

// Kind identifies which step a threshold applies to: the four places the
// evaluator is invoked across a task (spec.md §4.5 "Thresholds per step").
type Kind string

const (
	KindStrategy Kind = "strategy"
	KindCode     Kind = "code"
	KindTests    Kind = "tests"
	KindFinal    Kind = "final"
)

// RubricKind selects which full-evaluation rubric applies to the artifact
// under review.
type RubricKind string

const (
	RubricCode    RubricKind = "code"
	RubricWriting RubricKind = "writing"
)

// Evaluation is the full-evaluation verdict.
type Evaluation struct {
	Score       float64
	Pass        bool
	Strengths   []string
	Weaknesses  []string
	Suggestions []string

	// LowConfidence is set when Evaluate could not reach the evaluator role
	// (or parse its response) and fell back to triage (spec.md §7
	// EvalUnavailable) rather than the full LLM-rubric pass.
	LowConfidence bool
}

// Generator is the subset of llm.Router's contract the evaluator needs.
// Narrowed to an interface so tests supply a fake rather than standing up a
// real Router.
type Generator interface {
	Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error)
}

// exceptionMarkers are substrings that indicate a child process logged an
// unhandled exception/panic even when its own exit code was 0 (e.g. a
// caught-and-printed trace followed by a graceful exit).
var exceptionMarkers = []string{
	"traceback (most recent call last)",
	"panic:",
	"unhandled exception",
	"exception in thread",
	"fatal error:",
}

// Triage applies deterministic rules first (exit code, timeout, presence of
// an exception trace) and only falls through to an LLM call when those
// rules are inconclusive.
func (e *Evaluator) Triage(ctx context.Context, metrics *sandbox.ExecutionMetrics, stdout string) (TriageVerdict, error) {
	if metrics == nil {
		return TriageUncertain, nil
	}
	switch {
	case metrics.TimedOut:
		return TriageFail, nil
	case metrics.ExitCode != 0:
		return TriageFail, nil
	case hasExceptionTrace(stdout) || hasExceptionTrace(metrics.Stderr):
		return TriageFail, nil
	case metrics.Success:
		return TriagePass, nil
	}
	return e.triageViaLLM(ctx, metrics, stdout)
}

func hasExceptionTrace(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range exceptionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (e *Evaluator) triageViaLLM(ctx context.Context, metrics *sandbox.ExecutionMetrics, stdout string) (TriageVerdict, error) {
	prompt := fmt.Sprintf(
		"Classify this execution as exactly one word: PASS, FAIL, or UNCERTAIN.\n"+
			"exit_code=%d timed_out=%v\nstdout:\n%s\nstderr:\n%s\n",
		metrics.ExitCode, metrics.TimedOut, stdout, metrics.Stderr)
	text, err := e.gen.Generate(ctx, "triage", []model.Message{{Role: model.ConversationRoleUser, Text: prompt}}, llm.Options{})
	if err != nil {
		return TriageUncertain, fmt.Errorf("eval: triage generate: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case string(TriagePass):
		return TriagePass, nil
	case string(TriageFail):
		return TriageFail, nil
	default:
		return TriageUncertain, nil
	}
}

// evaluationResponse mirrors the JSON the evaluator role is prompted to
// return. Pass is accepted but ignored: whether an evaluation passes is a
// function of the evaluator's own threshold, not the model's opinion of it.
type evaluationResponse struct {
	Score       float64  `json:"score"`
	Pass        bool     `json:"pass"`
	Strengths   []string `json:"strengths"`
	Weaknesses  []string `json:"weaknesses"`
	Suggestions []string `json:"suggestions"`
}

// Evaluator runs triage and full evaluation and tracks per-kind thresholds.
type Evaluator struct {
	gen        Generator
	mem        artifact.Memory
	thresholds *ThresholdTracker
}

// NewEvaluator constructs an Evaluator. mem may be nil, in which case
// Evaluate skips recording an EVALUATION artifact and updating target
// artifact quality (useful for thresholds-only unit testing).
func NewEvaluator(gen Generator, mem artifact.Memory, thresholds *ThresholdTracker) *Evaluator {
	return &Evaluator{gen: gen, mem: mem, thresholds: thresholds}
}

// Evaluate runs the full LLM-rubric evaluation for targetArtifactID's
// content, records an EVALUATION artifact, updates the target's quality
// score via the configured Memory, and records the observed score against
// kind's threshold tracker.
func (e *Evaluator) Evaluate(ctx context.Context, kind Kind, rubric RubricKind, targetArtifactID, content string, metrics *sandbox.ExecutionMetrics) (*Evaluation, error) {
	prompt := buildRubricPrompt(rubric, content, metrics)
	text, err := e.gen.Generate(ctx, "evaluator", []model.Message{{Role: model.ConversationRoleUser, Text: prompt}}, llm.Options{})
	if err != nil {
		return e.fallbackToTriage(ctx, kind, targetArtifactID, metrics, content, fmt.Errorf("eval: generate: %w", err))
	}

	var resp evaluationResponse
	if err := llmjson.Strict(text, &resp); err != nil {
		return e.fallbackToTriage(ctx, kind, targetArtifactID, metrics, content, fmt.Errorf("eval: parse evaluation: %w", err))
	}
	if resp.Score < 0 || resp.Score > 1 {
		return e.fallbackToTriage(ctx, kind, targetArtifactID, metrics, content, fmt.Errorf("eval: score %v outside [0,1]", resp.Score))
	}

	threshold := e.thresholds.Threshold(kind)
	result := &Evaluation{
		Score:       resp.Score,
		Pass:        resp.Score >= threshold,
		Strengths:   resp.Strengths,
		Weaknesses:  resp.Weaknesses,
		Suggestions: resp.Suggestions,
	}
	e.thresholds.Record(kind, resp.Score)

	if e.mem != nil {
		if err := e.recordSideEffects(ctx, kind, targetArtifactID, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// fallbackToTriage implements spec.md §7's EvalUnavailable behavior: when
// the evaluator role errors or returns an unparsable response, fall back to
// the cheap triage tier rather than failing the caller's attempt outright.
// The result is marked LowConfidence so callers can weight it accordingly.
func (e *Evaluator) fallbackToTriage(ctx context.Context, kind Kind, targetArtifactID string, metrics *sandbox.ExecutionMetrics, content string, cause error) (*Evaluation, error) {
	stdout := content
	if metrics != nil && metrics.Stdout != "" {
		stdout = metrics.Stdout
	}
	verdict, triageErr := e.Triage(ctx, metrics, stdout)
	if triageErr != nil {
		verdict = TriageUncertain
	}

	result := &Evaluation{
		Pass:          verdict == TriagePass,
		LowConfidence: true,
		Weaknesses:    []string{fmt.Sprintf("full evaluation unavailable (%v), fell back to triage verdict %s", cause, verdict)},
	}
	if verdict == TriagePass {
		result.Score = e.thresholds.Threshold(kind)
	}

	if e.mem != nil {
		if err := e.recordSideEffects(ctx, kind, targetArtifactID, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Evaluator) recordSideEffects(ctx context.Context, kind Kind, targetArtifactID string, result *Evaluation) error {
	evalArtifact := &artifact.Artifact{
		ID:          targetArtifactID + ":eval:" + string(kind),
		Type:        artifact.TypeEvaluation,
		Name:        fmt.Sprintf("evaluation of %s (%s)", targetArtifactID, kind),
		Description: strings.Join(result.Weaknesses, "; "),
		Content:     fmt.Sprintf("score=%.3f pass=%v", result.Score, result.Pass),
		Tags:        []string{string(kind)},
		Metadata:    map[string]string{"target": targetArtifactID, "kind": string(kind)},
	}
	if err := e.mem.Put(ctx, evalArtifact); err != nil && err != artifact.ErrEmbeddingUnavailable {
		return fmt.Errorf("eval: record evaluation artifact: %w", err)
	}
	if targetArtifactID == "" {
		return nil
	}
	if err := e.mem.UpdateQuality(ctx, targetArtifactID, result.Score, result.Pass); err != nil {
		return fmt.Errorf("eval: update target quality: %w", err)
	}
	return nil
}

func buildRubricPrompt(rubric RubricKind, content string, metrics *sandbox.ExecutionMetrics) string {
	var criteria string
	switch rubric {
	case RubricWriting:
		criteria = "clarity, accuracy, structure, completeness"
	default:
		criteria = "correctness, robustness, style, tests"
	}
	var metricsSummary string
	if metrics != nil {
		metricsSummary = fmt.Sprintf("exit_code=%d timed_out=%v latency_ms=%d\nstdout:\n%s\nstderr:\n%s\n",
			metrics.ExitCode, metrics.TimedOut, metrics.LatencyMS, metrics.Stdout, metrics.Stderr)
	}
	return fmt.Sprintf(
		"Evaluate the following against these criteria: %s.\n"+
			"Respond with JSON only: {\"score\": <0..1>, \"pass\": <bool>, \"strengths\": [...], \"weaknesses\": [...], \"suggestions\": [...]}.\n"+
			"%s\ncontent:\n%s\n", criteria, metricsSummary, content)
}

// ThresholdConfig is the configured base threshold and floor for one Kind.
type ThresholdConfig struct {
	Threshold float64
	Floor     float64
}

// Defaults for the auto-adjustment policy (spec.md §4.5).
const (
	DefaultMinEvaluations   = 100
	DefaultMargin           = 0.05
	DefaultAdjustmentFactor = 0.9

	// maxHistoryFactor bounds memory: once a kind's history exceeds
	// DefaultMinEvaluations*maxHistoryFactor samples, the oldest are
	// dropped, keeping the tracker a bounded rolling window rather than an
	// unbounded log of every evaluation ever run.
	maxHistoryFactor = 4
)

// ThresholdTracker holds per-Kind pass thresholds and applies the
// auto-adjustment rule: once a kind has accumulated at least minEvaluations
// samples, if their median exceeds the current effective threshold by more
// than margin, the threshold drops to median*adjustmentFactor, never below
// the configured floor. The threshold only ever moves down: when that value
// (after clamping to the floor) is not below the current threshold, it is
// left unchanged.
type ThresholdTracker struct {
	mu               sync.Mutex
	effective        map[Kind]float64
	floor            map[Kind]float64
	history          map[Kind][]float64
	minEvaluations   int
	margin           float64
	adjustmentFactor float64
}

// TrackerOption customises a ThresholdTracker's auto-adjustment policy.
type TrackerOption func(*ThresholdTracker)

// WithMinEvaluations overrides DefaultMinEvaluations.
func WithMinEvaluations(n int) TrackerOption {
	return func(t *ThresholdTracker) { t.minEvaluations = n }
}

// WithMargin overrides DefaultMargin.
func WithMargin(margin float64) TrackerOption {
	return func(t *ThresholdTracker) { t.margin = margin }
}

// WithAdjustmentFactor overrides DefaultAdjustmentFactor.
func WithAdjustmentFactor(factor float64) TrackerOption {
	return func(t *ThresholdTracker) { t.adjustmentFactor = factor }
}

// NewThresholdTracker builds a tracker from per-kind configured thresholds
// and floors.
func NewThresholdTracker(cfg map[Kind]ThresholdConfig, opts ...TrackerOption) *ThresholdTracker {
	t := &ThresholdTracker{
		effective:        make(map[Kind]float64, len(cfg)),
		floor:            make(map[Kind]float64, len(cfg)),
		history:          make(map[Kind][]float64, len(cfg)),
		minEvaluations:   DefaultMinEvaluations,
		margin:           DefaultMargin,
		adjustmentFactor: DefaultAdjustmentFactor,
	}
	for kind, c := range cfg {
		t.effective[kind] = c.Threshold
		t.floor[kind] = c.Floor
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Threshold returns the current effective threshold for kind. Unconfigured
// kinds return 0 (always pass) rather than panicking, since a caller that
// never configured a kind has opted out of gating on it.
func (t *ThresholdTracker) Threshold(kind Kind) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effective[kind]
}

// Record appends an observed score to kind's history and, once enough
// samples have accumulated, re-evaluates the auto-adjustment rule.
func (t *ThresholdTracker) Record(kind Kind, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hist := append(t.history[kind], score)
	if cap := t.minEvaluations * maxHistoryFactor; len(hist) > cap && cap > 0 {
		hist = hist[len(hist)-cap:]
	}
	t.history[kind] = hist

	if len(hist) < t.minEvaluations {
		return
	}
	med := median(hist)
	current := t.effective[kind]
	if med > current+t.margin {
		adjusted := med * t.adjustmentFactor
		if floor, ok := t.floor[kind]; ok && adjusted < floor {
			adjusted = floor
		}
		if adjusted < current {
			t.effective[kind] = adjusted
		}
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
