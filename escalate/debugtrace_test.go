package escalate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertTracesAddsEntryAndExitForGoFunction(t *testing.T) {
	code := "func add(a, b int) int {\n\treturn a + b\n}\n"
	out := InsertTraces(code)

	assert.Contains(t, out, debugTraceMarker+": enter add")
	assert.Contains(t, out, debugTraceMarker+": exit")

	lines := strings.Split(out, "\n")
	returnIdx := -1
	exitIdx := -1
	for i, l := range lines {
		if strings.Contains(l, "return a + b") {
			returnIdx = i
		}
		if strings.Contains(l, debugTraceMarker+": exit") {
			exitIdx = i
		}
	}
	assert.Equal(t, returnIdx-1, exitIdx, "exit trace should sit immediately before the return statement")
}

func TestInsertTracesAddsEntryForPythonFunction(t *testing.T) {
	code := "def handle(x):\n    return x\n"
	out := InsertTraces(code)
	assert.Contains(t, out, debugTraceMarker+": enter handle")
}

func TestInsertTracesIsIdempotent(t *testing.T) {
	code := "func add(a, b int) int {\n\treturn a + b\n}\n"
	once := InsertTraces(code)
	twice := InsertTraces(once)
	assert.Equal(t, once, twice)
}

func TestStripTracesRemovesOnlyMarkedLines(t *testing.T) {
	code := "func add(a, b int) int {\n\treturn a + b\n}\n"
	instrumented := InsertTraces(code)
	stripped := StripTraces(instrumented)
	assert.NotContains(t, stripped, debugTraceMarker)
	assert.Contains(t, stripped, "func add(a, b int) int {")
	assert.Contains(t, stripped, "return a + b")
}

func TestHasTracesDetectsInjectedLines(t *testing.T) {
	code := "func f() {}\n"
	assert.False(t, HasTraces(code))
	assert.True(t, HasTraces(InsertTraces("func f() {\n\treturn\n}\n")))
}
