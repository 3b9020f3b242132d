package recovery

import "fmt"

// DefaultMaxSameErrorAttempts is the number of same-category failures after
// which the model is told to stop and defer to the user.
const DefaultMaxSameErrorAttempts = 3

// AttemptTable counts classified failures per category within one run. It is
// not safe for concurrent use; a run owns exactly one table.
type AttemptTable struct {
	max    int
	counts map[Category]int
}

// NewAttemptTable creates an empty table. max<=0 selects the default.
func NewAttemptTable(max int) *AttemptTable {
	if max <= 0 {
		max = DefaultMaxSameErrorAttempts
	}
	return &AttemptTable{max: max, counts: make(map[Category]int)}
}

// Record increments the count for category and returns the new value.
func (t *AttemptTable) Record(category Category) int {
	t.counts[category]++
	return t.counts[category]
}

// Count returns the current count for category.
func (t *AttemptTable) Count(category Category) int {
	return t.counts[category]
}

// Remaining returns how many more failures of category are tolerated.
func (t *AttemptTable) Remaining(category Category) int {
	if left := t.max - t.counts[category]; left > 0 {
		return left
	}
	return 0
}

// Exhausted reports whether category reached the escalation bound.
func (t *AttemptTable) Exhausted(category Category) bool {
	return t.counts[category] >= t.max
}

// Reset forgets every category. Called after any tool success.
func (t *AttemptTable) Reset() {
	if len(t.counts) == 0 {
		return
	}
	t.counts = make(map[Category]int)
}

// Len returns the number of categories with a non-zero count.
func (t *AttemptTable) Len() int {
	return len(t.counts)
}

// Max returns the escalation bound.
func (t *AttemptTable) Max() int {
	return t.max
}

// FollowUp builds the instruction appended to a failed tool result once the
// failure has been recorded in t.
func (t *AttemptTable) FollowUp(res Result) string {
	count := t.Count(res.Category)
	if t.Exhausted(res.Category) {
		return fmt.Sprintf(
			"This %s failure has now happened %d times. Stop retrying. Explain the problem to the user in plain words and ask how they want to proceed.",
			res.Category, count,
		)
	}
	return fmt.Sprintf(
		"Recovery suggestion: %s You may try this remediation (%d attempt(s) remaining for %s).",
		res.Suggestion, t.Remaining(res.Category), res.Category,
	)
}
