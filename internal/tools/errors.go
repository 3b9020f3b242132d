package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that is not in
// the registry. It is a capability mismatch, not an execution failure, and is
// never retried.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
