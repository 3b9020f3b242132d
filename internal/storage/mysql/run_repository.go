package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrRunNotFound 表示查询的运行记录不存在。
var ErrRunNotFound = errors.New("运行记录不存在")

// RunRecord 描述一次完成的意图运行。ToolResults 与 Transcript 以 JSON 文本保存。
type RunRecord struct {
	ID            int64  `json:"id"`
	RunID         string `json:"run_id"`
	SessionID     string `json:"session_id"`
	Wallet        string `json:"wallet"`
	Prompt        string `json:"prompt"`
	FinalResponse string `json:"final_response"`
	ToolResults   string `json:"tool_results"`
	Transcript    string `json:"transcript"`
	Iterations    int    `json:"iterations"`
	Outcome       string `json:"outcome"`
	CreatedAt     int64  `json:"created_at"`
}

// RunRepository 定义运行记录的持久化能力。
type RunRepository interface {
	Save(ctx context.Context, record *RunRecord) error
	GetByRunID(ctx context.Context, runID string) (*RunRecord, error)
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]RunRecord, error)
}

// MemoryRunRepository 将记录保存在内存并追加写入 runs.log。
type MemoryRunRepository struct {
	mu      sync.RWMutex
	records []RunRecord
	nextID  int64
	logPath string
}

// NewMemoryRunRepository 创建文件持久化的运行仓库，dataDir 为空时仅保存在内存。
func NewMemoryRunRepository(dataDir string) (*MemoryRunRepository, error) {
	repo := &MemoryRunRepository{nextID: 1}
	if strings.TrimSpace(dataDir) == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo.logPath = filepath.Join(dataDir, "runs.log")
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *MemoryRunRepository) load() error {
	file, err := os.Open(r.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取运行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return fmt.Errorf("解析运行日志失败: %w", err)
		}
		r.records = append(r.records, rec)
		if rec.ID >= r.nextID {
			r.nextID = rec.ID + 1
		}
	}
	return scanner.Err()
}

// Save 分配 ID 并写入运行记录。
func (r *MemoryRunRepository) Save(_ context.Context, record *RunRecord) error {
	if record == nil {
		return errors.New("运行记录不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records {
		if existing.RunID == record.RunID {
			return fmt.Errorf("运行 %s 已存在", record.RunID)
		}
	}
	record.ID = r.nextID
	r.nextID++
	r.records = append(r.records, *record)

	if r.logPath == "" {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化运行记录失败: %w", err)
	}
	file, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开运行日志失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("写入运行日志失败: %w", err)
	}
	return nil
}

// GetByRunID 按运行 ID 查询。
func (r *MemoryRunRepository) GetByRunID(_ context.Context, runID string) (*RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.RunID == runID {
			copyRec := rec
			return &copyRec, nil
		}
	}
	return nil, ErrRunNotFound
}

// ListLatest 返回最近的运行记录，按创建时间倒序。
func (r *MemoryRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	return r.filter(limit, func(RunRecord) bool { return true }), nil
}

// ListBySession 返回某个会话最近的运行记录，按创建时间倒序。
func (r *MemoryRunRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]RunRecord, error) {
	return r.filter(limit, func(rec RunRecord) bool { return rec.SessionID == sessionID }), nil
}

func (r *MemoryRunRepository) filter(limit int, keep func(RunRecord) bool) []RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RunRecord, 0, len(r.records))
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SQLRunRepository 基于 MySQL 保存运行记录。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 建立连接并执行迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRunRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Close 关闭连接池。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const runColumns = `id, run_id, session_id, wallet, prompt, final_response, tool_results, transcript, iterations, outcome, created_at`

// Save 插入运行记录。
func (s *SQLRunRepository) Save(ctx context.Context, record *RunRecord) error {
	if record == nil {
		return errors.New("运行记录不能为空")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs
    (run_id, session_id, wallet, prompt, final_response, tool_results, transcript, iterations, outcome, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RunID, record.SessionID, record.Wallet, record.Prompt, record.FinalResponse,
		nullableJSON(record.ToolResults), nullableJSON(record.Transcript), record.Iterations, record.Outcome, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入运行记录失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取运行记录 ID 失败: %w", err)
	}
	record.ID = id
	return nil
}

// GetByRunID 按运行 ID 查询。
func (s *SQLRunRepository) GetByRunID(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+`
    FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return rec, nil
}

// ListLatest 返回最近的运行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
    FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return collectRuns(rows)
}

// ListBySession 返回指定会话最近的运行记录。
func (s *SQLRunRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
    FROM runs WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询会话运行记录失败: %w", err)
	}
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec         RunRecord
		toolResults sql.NullString
		transcript  sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.SessionID, &rec.Wallet, &rec.Prompt, &rec.FinalResponse,
		&toolResults, &transcript, &rec.Iterations, &rec.Outcome, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.ToolResults = toolResults.String
	rec.Transcript = transcript.String
	return &rec, nil
}

func collectRuns(rows *sql.Rows) ([]RunRecord, error) {
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("解析运行记录失败: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历运行记录失败: %w", err)
	}
	return out, nil
}

func nullableJSON(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
