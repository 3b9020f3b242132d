// Package llm defines the provider-neutral completion contract consumed by the
// orchestration loop: chat messages carrying tool calls, tool schemas, and the
// blocking and streaming client interfaces. Provider adapters live in the
// anthropic and openai subpackages.
package llm
