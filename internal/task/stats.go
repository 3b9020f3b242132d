package task

// TaskStats 汇总符合过滤条件的任务，供 /api/v1/tasks/stats 与运维面板使用。
//
// Retrying 是失败但仍有重试额度、等待重新投递的任务；WriteCommitted 是
// 执行过写工具后失败、需要人工核对链上状态的任务。QueueDepth 只在队列
// 支持查询积压时填写，-1 表示未知。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Retrying        int   `json:"retrying"`
	WriteCommitted  int   `json:"write_committed"`
	QueueDepth      int   `json:"queue_depth"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// add 把单个任务计入统计。
func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		if task.Attempts < task.MaxRetries {
			s.Retrying++
		}
		if task.ErrorCode == string(CodeTaskWriteCommitted) {
			s.WriteCommitted++
		}
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}
