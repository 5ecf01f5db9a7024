package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triggerflow/internal/models"
)

// DispatchLogQuery 投递记录查询条件
type DispatchLogQuery struct {
	AutomationID uint     `form:"automation_id"`
	Status       []string `form:"status"`
	TriggerType  string   `form:"trigger_type"`
	InvocationID string   `form:"invocation_id"`
	From         string   `form:"from"`
	To           string   `form:"to"`
	Page         int      `form:"page"`
	PageSize     int      `form:"page_size"`
}

// parseTimeBound accepts RFC3339 or a plain date. A date used as an upper
// bound covers the whole day.
func parseTimeBound(v string, upper bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q, want RFC3339 or YYYY-MM-DD", ErrInvalidQuery, v)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}

// ListDispatchLogs 按条件分页查询投递记录，按创建时间倒序
func (s *AutomationService) ListDispatchLogs(ctx context.Context, q *DispatchLogQuery) ([]models.DispatchLogEntry, int64, error) {
	if q == nil {
		q = &DispatchLogQuery{}
	}
	page, pageSize := clampPage(q.Page, q.PageSize)

	query := s.db.WithContext(ctx).Model(&models.DispatchLogEntry{})
	if q.AutomationID > 0 {
		query = query.Where("automation_id = ?", q.AutomationID)
	}
	var statuses []string
	for _, st := range q.Status {
		for _, part := range strings.Split(st, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, part)
			}
		}
	}
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if q.TriggerType != "" {
		query = query.Where("trigger_type = ?", q.TriggerType)
	}
	if q.InvocationID != "" {
		query = query.Where("invocation_id = ?", q.InvocationID)
	}
	if q.From != "" {
		from, err := parseTimeBound(q.From, false)
		if err != nil {
			return nil, 0, err
		}
		query = query.Where("created_at >= ?", from)
	}
	if q.To != "" {
		to, err := parseTimeBound(q.To, true)
		if err != nil {
			return nil, 0, err
		}
		query = query.Where("created_at <= ?", to)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count dispatch logs: %w", err)
	}
	var logs []models.DispatchLogEntry
	if err := query.Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list dispatch logs: %w", err)
	}
	return logs, total, nil
}
