package task

import (
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 控制任务列表的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 按更新时间倒序，最近的任务在前。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 按更新时间正序。
	SortByUpdatedAsc
)

// ListOptions 描述任务查询与统计共用的过滤条件。
//
// SessionID 与 Wallet 精确匹配；ErrorCodes 匹配失败任务记录的错误码，
// Outcomes 匹配运行摘要中的结束方式（如 final、iteration_limit）。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	SessionID  string
	Wallet     string
	ErrorCodes []string
	Outcomes   []string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	// 钱包地址大小写不敏感，统一转小写比较
	opts.Wallet = strings.ToLower(strings.TrimSpace(opts.Wallet))
	opts.ErrorCodes = normalizeTokens(opts.ErrorCodes, strings.ToUpper)
	opts.Outcomes = normalizeTokens(opts.Outcomes, strings.ToLower)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只保留给定状态的任务，无效状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithSession 只保留属于某个会话的任务。
func WithSession(sessionID string) ListOption {
	return func(opts *ListOptions) { opts.SessionID = sessionID }
}

// WithWallet 只保留以某个钱包地址提交的任务。
func WithWallet(wallet string) ListOption {
	return func(opts *ListOptions) { opts.Wallet = wallet }
}

// WithErrorCodes 按失败错误码过滤，例如 TASK_WRITE_COMMITTED。
func WithErrorCodes(codes ...string) ListOption {
	return func(opts *ListOptions) {
		opts.ErrorCodes = append(opts.ErrorCodes[:0], codes...)
	}
}

// WithOutcomes 按运行结束方式过滤。
func WithOutcomes(outcomes ...string) ListOption {
	return func(opts *ListOptions) {
		opts.Outcomes = append(opts.Outcomes[:0], outcomes...)
	}
}

// WithUpdatedSince 过滤更新时间不早于 ts 的任务，零值表示不限。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 过滤更新时间不晚于 ts 的任务，零值表示不限。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有运行摘要过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) {
		v := hasResult
		opts.HasResult = &v
	}
}

func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 在 ID、输入、会话、钱包、错误与回复中做子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func normalizeStatuses(input []Status) []Status {
	seen := make(map[Status]struct{}, len(input))
	var result []Status
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	return result
}

// normalizeTokens 去掉空白与重复项，全部为空时返回 nil。
func normalizeTokens(input []string, fold func(string) string) []string {
	seen := make(map[string]struct{}, len(input))
	var result []string
	for _, raw := range input {
		token := fold(strings.TrimSpace(raw))
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		result = append(result, token)
	}
	return result
}
