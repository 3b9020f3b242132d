// Package agent contains the intent orchestration loop. A run alternates
// between a completion turn and the tool calls that turn requests, guards
// fund-moving calls against duplicates, classifies tool failures into
// recovery guidance and projects selected outcomes into session memory.
package agent
