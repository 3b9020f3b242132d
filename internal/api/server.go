package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Intent/internal/agent"
	xerrors "OpenMCP-Intent/internal/errors"
	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/observability/metrics"
	"OpenMCP-Intent/internal/storage/mysql"
	"OpenMCP-Intent/internal/task"
	"OpenMCP-Intent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Runner 是 API 所需的智能体能力。
type Runner interface {
	Execute(ctx context.Context, req agent.Request, sink events.Sink) (*agent.RunResult, error)
	ListRuns(ctx context.Context, sessionID string, limit int) ([]mysql.RunRecord, error)
}

// Server 负责暴露 REST 接口，供外部同步执行意图或提交异步任务。
type Server struct {
	addr   string
	runner Runner
	tasks  *task.Service
	sink   events.Sink
	log    *slog.Logger
	audit  *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithRunner 设置同步执行意图的智能体。
func WithRunner(r Runner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

// WithEventSink 设置同步运行时额外转发事件的目标，例如 RabbitMQ。
func WithEventSink(sink events.Sink) Option {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithLogger 设置服务日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:  addr,
		tasks: tasks,
		log:   logger.Named("api"),
		audit: logger.Audit(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/ask", s.instrument("ask", s.handleAsk))
	mux.Handle("/api/v1/tasks", s.instrument("tasks", s.handleTasks))
	mux.Handle("/api/v1/tasks/stats", s.instrument("task_stats", s.handleTaskStats))
	mux.Handle("/api/v1/tasks/", s.instrument("task_detail", s.handleTaskDetail))
	mux.Handle("/api/v1/runs", s.instrument("runs", s.handleRuns))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type askResponse struct {
	Result *agent.RunResult `json:"result"`
	Events []events.Event   `json:"events"`
	Error  string           `json:"error,omitempty"`
}

// handleAsk 同步执行一次意图运行，返回结果与完整的有序事件日志。
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}

	var req agent.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "prompt 不能为空"))
		return
	}

	recorder := &events.Recorder{}
	var sink events.Sink = recorder
	if s.sink != nil {
		sink = events.MultiSink{recorder, s.sink}
	}

	result, err := s.runner.Execute(r.Context(), req, sink)
	if result == nil {
		writeError(w, err)
		return
	}
	resp := askResponse{Result: result, Events: recorder.Events()}
	if err != nil {
		// 运行被取消时依然返回致歉文本与事件日志
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTaskDetail 返回单个任务的状态。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.runner.ListRuns(r.Context(), strings.TrimSpace(r.URL.Query().Get("session_id")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []mysql.RunRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func listOptionsFrom(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		return nil, err
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	opts := []task.ListOption{task.WithLimit(limit), task.WithOffset(offset)}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if session := strings.TrimSpace(q.Get("session_id")); session != "" {
		opts = append(opts, task.WithSession(session))
	}
	if wallet := strings.TrimSpace(q.Get("wallet")); wallet != "" {
		opts = append(opts, task.WithWallet(wallet))
	}
	if codes := splitList(q.Get("error_code")); len(codes) > 0 {
		opts = append(opts, task.WithErrorCodes(codes...))
	}
	if outcomes := splitList(q.Get("outcome")); len(outcomes) > 0 {
		opts = append(opts, task.WithOutcomes(outcomes...))
	}
	if query := strings.TrimSpace(q.Get("q")); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc/desc")
	}
	for _, bound := range []struct {
		key   string
		apply func(time.Time) task.ListOption
	}{
		{"updated_since", task.WithUpdatedSince},
		{"updated_until", task.WithUpdatedUntil},
	} {
		raw := strings.TrimSpace(q.Get(bound.key))
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, bound.key+" 必须是 Unix 秒")
		}
		opts = append(opts, bound.apply(time.Unix(ts, 0)))
	}
	if raw := strings.TrimSpace(q.Get("has_result")); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	return opts, nil
}

// splitList 解析逗号分隔的查询参数。
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
	}
	return n, nil
}

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeUnknown, "未知错误")
	}
	code := xerrors.CodeOf(err)
	if sw, ok := w.(*statusWriter); ok {
		sw.errorCode = string(code)
	}
	writeJSON(w, statusFor(err), map[string]errorBody{
		"error": {Code: string(code), Message: err.Error()},
	})
}

func statusFor(err error) int {
	switch {
	case task.IsTaskError(err, task.CodeTaskNotFound):
		return http.StatusNotFound
	case task.IsTaskError(err, task.CodeTaskConflict):
		return http.StatusConflict
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeQueueFailure, task.CodeTaskPublish:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// instrument 记录请求指标与审计日志。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		done := metrics.TrackInFlight(name, r.Method)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		done()
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, sw.errorCode, elapsed)
		s.audit.Info("api_request",
			"handler", name,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"error_code", sw.errorCode,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// statusWriter 捕获响应状态码与 writeError 写出的错误码。
type statusWriter struct {
	http.ResponseWriter
	status    int
	errorCode string
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层实现，便于后续流式响应。
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
