// Package metrics keeps in-process counters for the HTTP API and the intent
// loop and renders them in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	runBuckets  = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// route 按处理器名而非原始路径聚合。
type route struct {
	handler string
	method  string
}

type failureKey struct {
	route
	class string
	code  string
}

type routeStats struct {
	codes    map[int]uint64
	latency  *histogram
	inFlight int64
}

type httpMetrics struct {
	mu       sync.Mutex
	routes   map[route]*routeStats
	failures map[failureKey]uint64
}

var httpCollector = &httpMetrics{
	routes:   make(map[route]*routeStats),
	failures: make(map[failureKey]uint64),
}

// ObserveHTTPRequest 记录一次 API 请求。errorCode 是响应体中的业务错误码，成功时为空；
// 4xx 与 5xx 分别计入 client 与 server 两类失败。
func ObserveHTTPRequest(handler, method string, status int, errorCode string, duration time.Duration) {
	httpCollector.observe(route{handler: handler, method: method}, status, errorCode, duration)
}

// TrackInFlight 把请求计入并发数，返回的函数在请求结束时调用。
func TrackInFlight(handler, method string) func() {
	key := route{handler: handler, method: method}
	httpCollector.mu.Lock()
	httpCollector.stats(key).inFlight++
	httpCollector.mu.Unlock()
	return func() {
		httpCollector.mu.Lock()
		httpCollector.stats(key).inFlight--
		httpCollector.mu.Unlock()
	}
}

func (c *httpMetrics) stats(key route) *routeStats {
	s := c.routes[key]
	if s == nil {
		s = &routeStats{codes: make(map[int]uint64), latency: newHistogram(httpBuckets)}
		c.routes[key] = s
	}
	return s
}

func (c *httpMetrics) observe(key route, status int, errorCode string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats(key)
	s.codes[status]++
	s.latency.observe(duration.Seconds())

	class := ""
	switch {
	case status >= 500:
		class = "server"
	case status >= 400:
		class = "client"
	}
	if class != "" {
		if errorCode == "" {
			errorCode = "none"
		}
		c.failures[failureKey{route: key, class: class, code: errorCode}]++
	}
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe 累加所有上界不小于 value 的桶，超出最后一个桶的值只体现在 +Inf（即 count）中。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

// writeHistogram 输出一组 bucket/sum/count 序列，labels 形如 `handler="x",` 或为空。
func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%s\"} %d\n", name, labels, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, labels, h.count)
	trimmed := strings.TrimSuffix(labels, ",")
	if trimmed != "" {
		trimmed = "{" + trimmed + "}"
	}
	fmt.Fprintf(b, "%s_sum%s %s\n", name, trimmed, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count%s %d\n", name, trimmed, h.count)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, intentCollector.render())
	})
}

func (c *httpMetrics) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	routes := make([]route, 0, len(c.routes))
	for key := range c.routes {
		routes = append(routes, key)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].handler == routes[j].handler {
			return routes[i].method < routes[j].method
		}
		return routes[i].handler < routes[j].handler
	})
	failures := make([]failureKey, 0, len(c.failures))
	for key := range c.failures {
		failures = append(failures, key)
	}
	sort.Slice(failures, func(i, j int) bool {
		a, b := failures[i], failures[j]
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		if a.method != b.method {
			return a.method < b.method
		}
		if a.class != b.class {
			return a.class < b.class
		}
		return a.code < b.code
	})

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("# HELP openmcp_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE openmcp_http_requests_total counter\n")
	for _, key := range routes {
		s := c.routes[key]
		codes := make([]int, 0, len(s.codes))
		for code := range s.codes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "openmcp_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%d\"} %d\n",
				escape(key.handler), escape(key.method), code, s.codes[code])
		}
	}

	b.WriteString("# HELP openmcp_http_request_errors_total HTTP requests that failed, by class and API error code.\n")
	b.WriteString("# TYPE openmcp_http_request_errors_total counter\n")
	for _, key := range failures {
		fmt.Fprintf(&b, "openmcp_http_request_errors_total{handler=\"%s\",method=\"%s\",class=\"%s\",error_code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), key.class, escape(key.code), c.failures[key])
	}

	b.WriteString("# HELP openmcp_http_in_flight_requests HTTP requests currently being served.\n")
	b.WriteString("# TYPE openmcp_http_in_flight_requests gauge\n")
	for _, key := range routes {
		fmt.Fprintf(&b, "openmcp_http_in_flight_requests{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), c.routes[key].inFlight)
	}

	b.WriteString("# HELP openmcp_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE openmcp_http_request_duration_seconds histogram\n")
	for _, key := range routes {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\",", escape(key.handler), escape(key.method))
		writeHistogram(&b, "openmcp_http_request_duration_seconds", labels, c.routes[key].latency)
	}
	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
