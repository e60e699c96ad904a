package escalate

import (
	"fmt"
	"regexp"
	"strings"
)

// debugTraceMarker tags every line the escalator inserts so cleanup can
// remove exactly those lines and nothing the model or the original author
// wrote (spec.md §4.6 step 3 / "Cleanup on success").
const debugTraceMarker = "codeevolver:debug-trace"

// functionSignature matches a function/method definition line across the
// handful of languages Code Evolver generates code in. It is a heuristic,
// not a parser: it is good enough to find "a new function starts here" for
// the purpose of seeding an entry trace, not to fully understand control
// flow.
var functionSignature = regexp.MustCompile(`^\s*(?:func\s+(?:\([^)]*\)\s*)?(\w+)\s*\(|def\s+(\w+)\s*\(|(?:async\s+)?function\s+(\w+)\s*\()`)

// returnStatement matches a bare return/return-with-value line, used to seed
// an exit trace immediately before it.
var returnStatement = regexp.MustCompile(`^(\s*)return\b`)

// InsertTraces adds a canonical entry trace after every detected function
// signature and a canonical exit trace before every detected return
// statement, unless a debug-trace line is already present within the
// following (or preceding, for returns) couple of lines — so re-running
// this on already-instrumented code is idempotent.
func InsertTraces(code string) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines)+8)

	for i, line := range lines {
		out = append(out, line)

		if m := functionSignature.FindStringSubmatch(line); m != nil {
			name := firstNonEmpty(m[1], m[2], m[3])
			if name != "" && !nearbyTrace(lines, i+1, 2, "enter") {
				indent := leadingWhitespace(line) + "\t"
				out = append(out, entryTraceLine(indent, name))
			}
		}
	}

	// Second pass over the now entry-augmented text to seed exit traces
	// before return statements, since inserting entry traces shifts line
	// indices and doing both in one pass would require re-deriving offsets.
	lines = out
	out = make([]string, 0, len(lines)+8)
	for i, line := range lines {
		if returnStatement.MatchString(line) && !nearbyTrace(lines, i-2, 2, "exit") {
			indent := returnStatement.FindStringSubmatch(line)[1]
			out = append(out, exitTraceLine(indent))
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

// StripTraces removes every line carrying debugTraceMarker, preserving all
// other lines verbatim (including any non-injected logging the model or
// original author wrote).
func StripTraces(code string) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.Contains(line, debugTraceMarker) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// HasTraces reports whether code contains any injected debug-trace line.
func HasTraces(code string) bool {
	return strings.Contains(code, debugTraceMarker)
}

func entryTraceLine(indent, funcName string) string {
	return fmt.Sprintf("%s// %s: enter %s", indent, debugTraceMarker, funcName)
}

func exitTraceLine(indent string) string {
	return fmt.Sprintf("%s// %s: exit", indent, debugTraceMarker)
}

// nearbyTrace reports whether any line in lines[start:start+span] carries a
// debug-trace line of the given kind ("enter" or "exit"). Distinguishing
// kind matters because an entry trace is always adjacent to the line a
// subsequent exit-trace check would otherwise mistake for an existing exit
// trace (e.g. a single-statement function body).
func nearbyTrace(lines []string, start, span int, kind string) bool {
	for i := start; i >= 0 && i < len(lines) && i < start+span; i++ {
		if strings.Contains(lines[i], debugTraceMarker) && strings.Contains(lines[i], kind) {
			return true
		}
	}
	return false
}

func leadingWhitespace(s string) string {
	trimmed := strings.TrimLeft(s, " \t")
	return s[:len(s)-len(trimmed)]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
