package eval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeevolver/evolver/artifact"
	"github.com/codeevolver/evolver/artifact/inmem"
	"github.com/codeevolver/evolver/llm"
	"github.com/codeevolver/evolver/model"
	"github.com/codeevolver/evolver/sandbox"
)

type fakeGenerator struct {
	responses []string
	calls     int
	roles     []string
}

func (f *fakeGenerator) Generate(ctx context.Context, role string, messages []model.Message, opts llm.Options) (string, error) {
	f.roles = append(f.roles, role)
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func TestTriagePassesOnCleanSuccess(t *testing.T) {
	e := NewEvaluator(&fakeGenerator{}, nil, NewThresholdTracker(nil))
	verdict, err := e.Triage(context.Background(), &sandbox.ExecutionMetrics{Success: true, ExitCode: 0}, "ok")
	require.NoError(t, err)
	assert.Equal(t, TriagePass, verdict)
}

func TestTriageFailsOnTimeout(t *testing.T) {
	e := NewEvaluator(&fakeGenerator{}, nil, NewThresholdTracker(nil))
	verdict, err := e.Triage(context.Background(), &sandbox.ExecutionMetrics{TimedOut: true}, "")
	require.NoError(t, err)
	assert.Equal(t, TriageFail, verdict)
}

func TestTriageFailsOnNonZeroExit(t *testing.T) {
	e := NewEvaluator(&fakeGenerator{}, nil, NewThresholdTracker(nil))
	verdict, err := e.Triage(context.Background(), &sandbox.ExecutionMetrics{ExitCode: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, TriageFail, verdict)
}

func TestTriageFailsOnExceptionTraceDespiteCleanExit(t *testing.T) {
	e := NewEvaluator(&fakeGenerator{}, nil, NewThresholdTracker(nil))
	metrics := &sandbox.ExecutionMetrics{ExitCode: 0, Success: true}
	verdict, err := e.Triage(context.Background(), metrics, "Traceback (most recent call last):\n...")
	require.NoError(t, err)
	assert.Equal(t, TriageFail, verdict)
}

func TestTriageFallsBackToLLMWhenRulesInconclusive(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"UNCERTAIN"}}
	e := NewEvaluator(gen, nil, NewThresholdTracker(nil))
	// ExitCode 0 but Success false and no timeout: rules can't decide.
	metrics := &sandbox.ExecutionMetrics{ExitCode: 0, Success: false}
	verdict, err := e.Triage(context.Background(), metrics, "")
	require.NoError(t, err)
	assert.Equal(t, TriageUncertain, verdict)
	assert.Equal(t, []string{"triage"}, gen.roles)
}

func TestEvaluateParsesFencedJSONAndAppliesThreshold(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		"```json\n{\"score\": 0.8, \"pass\": true, \"strengths\": [\"clear\"], \"weaknesses\": [], \"suggestions\": []}\n```",
	}}
	tracker := NewThresholdTracker(map[Kind]ThresholdConfig{KindCode: {Threshold: 0.7, Floor: 0.5}})
	e := NewEvaluator(gen, nil, tracker)

	result, err := e.Evaluate(context.Background(), KindCode, RubricCode, "", "func main() {}", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.8, result.Score)
	assert.True(t, result.Pass)
	assert.Equal(t, []string{"clear"}, result.Strengths)
}

func TestEvaluateFailsBelowThreshold(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"score": 0.5, "pass": false, "strengths": [], "weaknesses": ["buggy"], "suggestions": ["fix x"]}`,
	}}
	tracker := NewThresholdTracker(map[Kind]ThresholdConfig{KindCode: {Threshold: 0.7, Floor: 0.5}})
	e := NewEvaluator(gen, nil, tracker)

	result, err := e.Evaluate(context.Background(), KindCode, RubricCode, "", "bad code", nil)
	require.NoError(t, err)
	assert.False(t, result.Pass)
}

func TestEvaluateRejectsOutOfRangeScore(t *testing.T) {
	gen := &fakeGenerator{responses: []string{`{"score": 1.5, "pass": true}`}}
	e := NewEvaluator(gen, nil, NewThresholdTracker(nil))
	result, err := e.Evaluate(context.Background(), KindCode, RubricCode, "", "x", nil)
	require.NoError(t, err)
	assert.True(t, result.LowConfidence)
	assert.Zero(t, result.Score)
}

func TestEvaluateRecordsArtifactAndUpdatesQuality(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"score": 0.9, "pass": true, "strengths": [], "weaknesses": [], "suggestions": []}`,
	}}
	mem := inmem.New()
	require.NoError(t, mem.Put(context.Background(), &artifact.Artifact{ID: "target-1", Type: artifact.TypeFunction}))

	tracker := NewThresholdTracker(map[Kind]ThresholdConfig{KindFinal: {Threshold: 0.5, Floor: 0.1}})
	e := NewEvaluator(gen, mem, tracker)

	_, err := e.Evaluate(context.Background(), KindFinal, RubricCode, "target-1", "content", nil)
	require.NoError(t, err)

	target, err := mem.Get(context.Background(), "target-1")
	require.NoError(t, err)
	assert.Greater(t, target.QualityScore, 0.0)
	assert.Equal(t, 1, target.UsageCount)

	evalArtifacts, err := mem.List(context.Background(), artifact.ListQuery{Type: artifact.TypeEvaluation})
	require.NoError(t, err)
	assert.Len(t, evalArtifacts, 1)
}

func TestThresholdTrackerAdjustsDownwardAfterEnoughEvaluations(t *testing.T) {
	tracker := NewThresholdTracker(
		map[Kind]ThresholdConfig{KindCode: {Threshold: 0.7, Floor: 0.3}},
		WithMinEvaluations(5),
		WithMargin(0.05),
		WithAdjustmentFactor(0.5),
	)
	for i := 0; i < 4; i++ {
		tracker.Record(KindCode, 0.8)
	}
	assert.Equal(t, 0.7, tracker.Threshold(KindCode), "should not adjust before minEvaluations reached")

	tracker.Record(KindCode, 0.8)
	assert.InDelta(t, 0.4, tracker.Threshold(KindCode), 0.001, "median 0.8 * 0.5 factor")
}

func TestThresholdTrackerNeverAdjustsBelowFloor(t *testing.T) {
	tracker := NewThresholdTracker(
		map[Kind]ThresholdConfig{KindCode: {Threshold: 0.7, Floor: 0.6}},
		WithMinEvaluations(3),
		WithAdjustmentFactor(0.5),
	)
	for i := 0; i < 3; i++ {
		tracker.Record(KindCode, 0.8)
	}
	assert.Equal(t, 0.6, tracker.Threshold(KindCode))
}

func TestThresholdTrackerDoesNotAdjustWithinMargin(t *testing.T) {
	tracker := NewThresholdTracker(
		map[Kind]ThresholdConfig{KindCode: {Threshold: 0.8, Floor: 0.3}},
		WithMinEvaluations(3),
		WithMargin(0.1),
	)
	for i := 0; i < 3; i++ {
		tracker.Record(KindCode, 0.85)
	}
	assert.Equal(t, 0.8, tracker.Threshold(KindCode), "median within margin of current threshold")
}

func TestThresholdUnconfiguredKindDefaultsToZero(t *testing.T) {
	tracker := NewThresholdTracker(nil)
	assert.Equal(t, 0.0, tracker.Threshold(KindTests))
}
