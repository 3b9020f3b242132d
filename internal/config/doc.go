// Package config loads the daemon configuration from a YAML or JSON file and
// fills in the orchestration defaults (iteration cap, retry budgets, dedup
// window) that the agent relies on.
package config
