package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"triggerflow/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationRuleRequest 创建/更新规则的请求
type AutomationRuleRequest struct {
	Name        string               `json:"name" yaml:"name" binding:"required"`
	Description string               `json:"description" yaml:"description"`
	TriggerType string               `json:"trigger_type" yaml:"trigger_type" binding:"required"`
	Conditions  models.ConditionTree `json:"conditions" yaml:"conditions"`
	TemplateID  uint                 `json:"template_id" yaml:"template_id" binding:"required"`
	Recipients  models.RecipientSpec `json:"recipients" yaml:"recipients"`
	Delay       models.DelaySpec     `json:"delay" yaml:"delay"`
	IsActive    *bool                `json:"is_active" yaml:"is_active"`
}

// ValidateRuleRequest applies the strict checks: typed conditions, a known
// recipient kind with its required config, and a valid delay.
func ValidateRuleRequest(req *AutomationRuleRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if !models.IsSupportedTrigger(req.TriggerType) {
		return fmt.Errorf("%w: unsupported trigger type %q", ErrInvalidRule, req.TriggerType)
	}
	if req.TemplateID == 0 {
		return fmt.Errorf("%w: template_id required", ErrInvalidRule)
	}
	if _, err := CompileConditions(req.Conditions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if _, err := NewRecipientStrategy(req.Recipients); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := ValidateDelay(req.Delay); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func normalizeDelay(d models.DelaySpec) models.DelaySpec {
	d.Unit = strings.ToLower(strings.TrimSpace(d.Unit))
	if d.Unit == "" || d.Unit == models.DelayImmediate {
		return models.DelaySpec{Unit: models.DelayImmediate}
	}
	return d
}

func (s *AutomationService) checkTemplate(ctx context.Context, id uint) error {
	if s.templates == nil {
		return nil
	}
	if _, err := s.templates.LoadTemplate(ctx, id); err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return err
	}
	return nil
}

// CreateRule 新建规则，默认启用
func (s *AutomationService) CreateRule(ctx context.Context, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if err := ValidateRuleRequest(req); err != nil {
		return nil, err
	}
	if err := s.checkTemplate(ctx, req.TemplateID); err != nil {
		return nil, err
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rule := &models.AutomationRule{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		IsActive:    active,
		TriggerType: req.TriggerType,
		Conditions:  datatypes.NewJSONType(req.Conditions),
		TemplateID:  req.TemplateID,
		Recipients:  datatypes.NewJSONType(req.Recipients),
		Delay:       normalizeDelay(req.Delay),
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateRule replaces the rule definition. Statistics are left untouched.
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if err := ValidateRuleRequest(req); err != nil {
		return nil, err
	}
	if _, err := s.GetRule(ctx, id); err != nil {
		return nil, err
	}
	if err := s.checkTemplate(ctx, req.TemplateID); err != nil {
		return nil, err
	}

	delay := normalizeDelay(req.Delay)
	updates := map[string]interface{}{
		"name":         strings.TrimSpace(req.Name),
		"description":  req.Description,
		"trigger_type": req.TriggerType,
		"conditions":   datatypes.NewJSONType(req.Conditions),
		"template_id":  req.TemplateID,
		"recipients":   datatypes.NewJSONType(req.Recipients),
		"delay_unit":   delay.Unit,
		"delay_value":  delay.Value,
		"updated_at":   s.now(),
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetRule(ctx, id)
}

func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

type RuleListRequest struct {
	TriggerType string `form:"trigger_type"`
	Active      *bool  `form:"active"`
	Page        int    `form:"page"`
	PageSize    int    `form:"page_size"`
}

// ListRules 分页列出规则，按 id 降序
func (s *AutomationService) ListRules(ctx context.Context, req *RuleListRequest) ([]models.AutomationRule, int64, error) {
	if req == nil {
		req = &RuleListRequest{}
	}
	page, pageSize := clampPage(req.Page, req.PageSize)

	query := s.db.WithContext(ctx).Model(&models.AutomationRule{})
	if req.TriggerType != "" {
		query = query.Where("trigger_type = ?", req.TriggerType)
	}
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}
	var rules []models.AutomationRule
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, total, nil
}

// ToggleRule flips is_active, or sets it when active is given. Entries already
// queued for the rule still dispatch.
func (s *AutomationService) ToggleRule(ctx context.Context, id uint, active *bool) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	next := !rule.IsActive
	if active != nil {
		next = *active
	}
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": next, "updated_at": s.now()}).Error; err != nil {
		return nil, err
	}
	rule.IsActive = next
	return rule, nil
}

// DeleteRule 删除规则并级联删除其投递记录
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("automation_id = ?", id).Delete(&models.DispatchLogEntry{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.AutomationRule{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRuleNotFound
		}
		return nil
	})
}

type RuleStats struct {
	RuleID          uint             `json:"rule_id"`
	TriggerCount    int64            `json:"trigger_count"`
	LastTriggeredAt *time.Time       `json:"last_triggered_at"`
	ByStatus        map[string]int64 `json:"by_status"`
	TotalEntries    int64            `json:"total_entries"`
}

func (s *AutomationService) RuleStats(ctx context.Context, id uint) (*RuleStats, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.DispatchLogEntry{}).
		Select("status, COUNT(*) AS count").
		Where("automation_id = ?", id).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	stats := &RuleStats{
		RuleID:          rule.ID,
		TriggerCount:    rule.TriggerCount,
		LastTriggeredAt: rule.LastTriggeredAt,
		ByStatus:        make(map[string]int64, len(rows)),
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
		stats.TotalEntries += r.Count
	}
	return stats, nil
}

type TestRuleRequest struct {
	Rule    AutomationRuleRequest  `json:"rule"`
	Payload map[string]interface{} `json:"payload"`
}

type TestRuleResult struct {
	Matched      bool             `json:"matched"`
	Recipients   []Recipient      `json:"recipients"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	Preview      *RenderedMessage `json:"preview,omitempty"`
	ResolveError string           `json:"resolve_error,omitempty"`
}

// TestRule evaluates a rule definition against a payload without writing anything.
func (s *AutomationService) TestRule(ctx context.Context, req *TestRuleRequest) (*TestRuleResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	if err := ValidateRuleRequest(&req.Rule); err != nil {
		return nil, err
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	conditions, _ := CompileConditions(req.Rule.Conditions)
	now := s.now()
	res := &TestRuleResult{
		Matched:      conditions.Evaluate(payload),
		Recipients:   []Recipient{},
		ScheduledFor: ComputeDispatchTime(req.Rule.Delay, now),
	}
	if !res.Matched {
		return res, nil
	}

	strategy, _ := NewRecipientStrategy(req.Rule.Recipients)
	recipients, err := ResolveRecipients(ctx, strategy, payload, s.directory)
	if err != nil {
		res.ResolveError = err.Error()
	} else {
		res.Recipients = recipients
	}

	if s.templates != nil {
		tpl, err := s.templates.LoadTemplate(ctx, req.Rule.TemplateID)
		if err != nil {
			if errors.Is(err, ErrTemplateNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
			}
			return nil, err
		}
		var first Recipient
		if len(res.Recipients) > 0 {
			first = res.Recipients[0]
		}
		msg := RenderTemplate(tpl, BuildDataBag(payload, first))
		res.Preview = &msg
	}
	return res, nil
}

func clampPage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}
