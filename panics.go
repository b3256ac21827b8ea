package durable

import (
	"fmt"
	"runtime"
	"strings"
)

// CapturePanic converts a recovered panic value into FailureDetails with a
// trimmed stack trace. Activity and entity handlers run application code, so
// the engine never lets a panic escape a work item.
func CapturePanic(recovered any) *FailureDetails {
	if recovered == nil {
		return nil
	}
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	stack = cleanStackTrace(stack[:n])

	fd := &FailureDetails{
		ErrorType:    fmt.Sprintf("panic:%T", recovered),
		ErrorMessage: fmt.Sprintf("%v", recovered),
		StackTrace:   string(stack),
		NonRetryable: false,
	}
	if err, ok := recovered.(error); ok {
		fd.Inner = FailureFromError(err)
	}
	return fd
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// drop frames above the panic() call, they only describe the runtime
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
