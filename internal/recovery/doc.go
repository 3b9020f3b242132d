// Package recovery classifies tool failures into a fixed taxonomy, attaches a
// remediation suggestion to each category, and tracks same-category failures
// so the orchestration loop knows when to stop retrying and defer to the user.
package recovery
