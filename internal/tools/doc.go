// Package tools defines the tool contract consumed by the orchestration loop,
// the schema-validating registry, call identity keys, and an adapter that
// exposes remote HTTP endpoints as tools.
package tools
