package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type toolKey struct {
	tool   string
	status string
}

type intentMetrics struct {
	mu         sync.Mutex
	runs       map[string]uint64
	iterations uint64
	duration   *histogram
	tools      map[toolKey]uint64
	tasks      map[string]uint64
}

var intentCollector = &intentMetrics{
	runs:     make(map[string]uint64),
	duration: newHistogram(runBuckets),
	tools:    make(map[toolKey]uint64),
	tasks:    make(map[string]uint64),
}

// ObserveRun 记录一次意图运行的结束方式、补全轮数与耗时。
func ObserveRun(outcome string, iterations int, duration time.Duration) {
	intentCollector.mu.Lock()
	defer intentCollector.mu.Unlock()
	intentCollector.runs[outcome]++
	if iterations > 0 {
		intentCollector.iterations += uint64(iterations)
	}
	intentCollector.duration.observe(duration.Seconds())
}

// ObserveToolCall 记录一次工具调用，status 取 ok、error、skipped、blocked 或 blocked_cross_run。
func ObserveToolCall(tool, status string) {
	intentCollector.mu.Lock()
	defer intentCollector.mu.Unlock()
	intentCollector.tools[toolKey{tool: tool, status: status}]++
}

// ObserveTask 记录异步任务进入的终态或重试。
func ObserveTask(status string) {
	intentCollector.mu.Lock()
	defer intentCollector.mu.Unlock()
	intentCollector.tasks[status]++
}

func (m *intentMetrics) render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP openmcp_intent_runs_total Total number of intent runs by outcome.\n")
	builder.WriteString("# TYPE openmcp_intent_runs_total counter\n")
	for _, outcome := range sortedKeys(m.runs) {
		builder.WriteString(fmt.Sprintf("openmcp_intent_runs_total{outcome=\"%s\"} %d\n", escape(outcome), m.runs[outcome]))
	}

	builder.WriteString("# HELP openmcp_intent_iterations_total Completion turns used across all runs.\n")
	builder.WriteString("# TYPE openmcp_intent_iterations_total counter\n")
	builder.WriteString(fmt.Sprintf("openmcp_intent_iterations_total %d\n", m.iterations))

	builder.WriteString("# HELP openmcp_intent_run_duration_seconds Intent run duration in seconds.\n")
	builder.WriteString("# TYPE openmcp_intent_run_duration_seconds histogram\n")
	writeHistogram(&builder, "openmcp_intent_run_duration_seconds", "", m.duration)

	keys := make([]toolKey, 0, len(m.tools))
	for key := range m.tools {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tool == keys[j].tool {
			return keys[i].status < keys[j].status
		}
		return keys[i].tool < keys[j].tool
	})
	builder.WriteString("# HELP openmcp_tool_calls_total Tool calls by tool and status.\n")
	builder.WriteString("# TYPE openmcp_tool_calls_total counter\n")
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("openmcp_tool_calls_total{tool=\"%s\",status=\"%s\"} %d\n",
			escape(key.tool), escape(key.status), m.tools[key]))
	}

	builder.WriteString("# HELP openmcp_tasks_total Async intent tasks by status.\n")
	builder.WriteString("# TYPE openmcp_tasks_total counter\n")
	for _, status := range sortedKeys(m.tasks) {
		builder.WriteString(fmt.Sprintf("openmcp_tasks_total{status=\"%s\"} %d\n", escape(status), m.tasks[status]))
	}
	return builder.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
