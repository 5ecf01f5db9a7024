package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"triggerflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRuleRequest(templateID uint) *AutomationRuleRequest {
	return &AutomationRuleRequest{
		Name:        "Hot lead alert",
		TriggerType: models.TriggerContactCreated,
		Conditions: models.ConditionTree{
			Root: models.ConditionSpec{Field: "leadScore", Operator: "greater_than", Value: 10},
		},
		TemplateID: templateID,
		Recipients: models.RecipientSpec{Kind: models.RecipientCustom, Config: models.RecipientConfig{CustomEmails: []string{"ops@example.com"}}},
		Delay:      models.DelaySpec{Unit: models.DelayImmediate},
	}
}

func TestValidateRuleRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *AutomationRuleRequest)
	}{
		{"missing name", func(r *AutomationRuleRequest) { r.Name = " " }},
		{"unsupported trigger", func(r *AutomationRuleRequest) { r.TriggerType = "contact_deleted" }},
		{"missing template", func(r *AutomationRuleRequest) { r.TemplateID = 0 }},
		{"unknown operator", func(r *AutomationRuleRequest) { r.Conditions.Root.Operator = "between" }},
		{"non numeric comparison", func(r *AutomationRuleRequest) { r.Conditions.Root.Value = "high" }},
		{"bad additional logic", func(r *AutomationRuleRequest) {
			r.Conditions.Additional = []models.ConditionSpec{{Field: "a", Operator: "is_empty", Logic: "NAND"}}
		}},
		{"user without role", func(r *AutomationRuleRequest) { r.Recipients = models.RecipientSpec{Kind: models.RecipientUser} }},
		{"unknown delay unit", func(r *AutomationRuleRequest) { r.Delay = models.DelaySpec{Unit: "months", Value: 1} }},
		{"zero delay value", func(r *AutomationRuleRequest) { r.Delay = models.DelaySpec{Unit: "hours"} }},
		{"overflowing delay", func(r *AutomationRuleRequest) { r.Delay = models.DelaySpec{Unit: "weeks", Value: 20000} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRuleRequest(1)
			tt.mutate(req)
			err := ValidateRuleRequest(req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRule), "got %v", err)
		})
	}
	assert.NoError(t, ValidateRuleRequest(validRuleRequest(1)))
}

func TestAutomationService_RuleCRUD(t *testing.T) {
	f := newAutomationFixture(t)
	ctx := context.Background()
	tplID := f.template(t, "s", "b")

	_, err := f.svc.CreateRule(ctx, validRuleRequest(9999))
	assert.True(t, errors.Is(err, ErrInvalidRule), "unknown template is rejected")

	rule, err := f.svc.CreateRule(ctx, validRuleRequest(tplID))
	require.NoError(t, err)
	assert.True(t, rule.IsActive, "rules are active by default")
	assert.Equal(t, "greater_than", rule.Conditions.Data().Root.Operator)

	off := false
	req := validRuleRequest(tplID)
	req.Name = "Inactive"
	req.IsActive = &off
	inactive, err := f.svc.CreateRule(ctx, req)
	require.NoError(t, err)
	stored, err := f.svc.GetRule(ctx, inactive.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	update := validRuleRequest(tplID)
	update.Name = "Renamed"
	update.Delay = models.DelaySpec{Unit: "Days", Value: 3}
	update.Recipients = models.RecipientSpec{Kind: models.RecipientUser, Config: models.RecipientConfig{UserRole: "manager"}}
	updated, err := f.svc.UpdateRule(ctx, rule.ID, update)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, models.DelaySpec{Unit: "days", Value: 3}, updated.Delay)
	assert.Equal(t, "manager", updated.Recipients.Data().Config.UserRole)
	assert.True(t, updated.IsActive)

	_, err = f.svc.UpdateRule(ctx, 12345, update)
	assert.True(t, errors.Is(err, ErrRuleNotFound))

	rules, total, err := f.svc.ListRules(ctx, &RuleListRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, inactive.ID, rules[0].ID, "newest first")

	active := true
	rules, total, err = f.svc.ListRules(ctx, &RuleListRequest{Active: &active})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, rule.ID, rules[0].ID)

	_, total, err = f.svc.ListRules(ctx, &RuleListRequest{TriggerType: models.TriggerInvoiceSent})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestAutomationService_ToggleRule(t *testing.T) {
	f := newAutomationFixture(t)
	ctx := context.Background()
	tplID := f.template(t, "s", "b")
	rule, err := f.svc.CreateRule(ctx, validRuleRequest(tplID))
	require.NoError(t, err)

	toggled, err := f.svc.ToggleRule(ctx, rule.ID, nil)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	res, err := f.svc.ProcessTrigger(ctx, models.TriggerContactCreated, "contact", "1", map[string]interface{}{"leadScore": 50})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RulesEvaluated, "inactive rules are not evaluated")

	on := true
	toggled, err = f.svc.ToggleRule(ctx, rule.ID, &on)
	require.NoError(t, err)
	assert.True(t, toggled.IsActive)
	toggled, err = f.svc.ToggleRule(ctx, rule.ID, &on)
	require.NoError(t, err)
	assert.True(t, toggled.IsActive, "explicit value is idempotent")

	_, err = f.svc.ToggleRule(ctx, 999, nil)
	assert.True(t, errors.Is(err, ErrRuleNotFound))
}

func TestAutomationService_DeleteRuleCascades(t *testing.T) {
	f := newAutomationFixture(t)
	ctx := context.Background()
	tplID := f.template(t, "s", "b")
	rule, err := f.svc.CreateRule(ctx, validRuleRequest(tplID))
	require.NoError(t, err)
	other, err := f.svc.CreateRule(ctx, validRuleRequest(tplID))
	require.NoError(t, err)

	_, err = f.svc.ProcessTrigger(ctx, models.TriggerContactCreated, "contact", "1", map[string]interface{}{"leadScore": 50})
	require.NoError(t, err)
	require.Len(t, f.logs(t), 2)

	require.NoError(t, f.svc.DeleteRule(ctx, rule.ID))
	logs := f.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, other.ID, logs[0].AutomationID)

	_, err = f.svc.GetRule(ctx, rule.ID)
	assert.True(t, errors.Is(err, ErrRuleNotFound))
	assert.True(t, errors.Is(f.svc.DeleteRule(ctx, rule.ID), ErrRuleNotFound))
}

func TestAutomationService_RuleStats(t *testing.T) {
	f := newAutomationFixture(t)
	ctx := context.Background()
	tplID := f.template(t, "s", "b")
	f.transport.failTo["bad@example.com"] = errors.New("rejected")

	req := validRuleRequest(tplID)
	req.Recipients.Config.CustomEmails = []string{"ops@example.com", "bad@example.com"}
	rule, err := f.svc.CreateRule(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.svc.ProcessTrigger(ctx, models.TriggerContactCreated, "contact", "1", map[string]interface{}{"leadScore": 50})
		require.NoError(t, err)
	}

	stats, err := f.svc.RuleStats(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TriggerCount)
	assert.Equal(t, int64(4), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.ByStatus[models.DispatchSent])
	assert.Equal(t, int64(2), stats.ByStatus[models.DispatchFailed])
	require.NotNil(t, stats.LastTriggeredAt)

	_, err = f.svc.RuleStats(ctx, 999)
	assert.True(t, errors.Is(err, ErrRuleNotFound))
}

func TestAutomationService_TestRuleWritesNothing(t *testing.T) {
	f := newAutomationFixture(t)
	ctx := context.Background()
	tplID := f.template(t, "Lead {{company}}", "Score {{leadScore}}")

	req := validRuleRequest(tplID)
	req.Delay = models.DelaySpec{Unit: models.DelayHours, Value: 2}
	res, err := f.svc.TestRule(ctx, &TestRuleRequest{
		Rule:    *req,
		Payload: map[string]interface{}{"leadScore": 42, "company": "Acme"},
	})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, []Recipient{{Email: "ops@example.com", Name: "ops@example.com"}}, res.Recipients)
	assert.True(t, res.ScheduledFor.Equal(f.now.Add(2*time.Hour)))
	require.NotNil(t, res.Preview)
	assert.Equal(t, "Lead Acme", res.Preview.Subject)
	assert.Equal(t, "Score 42", res.Preview.Body)

	miss, err := f.svc.TestRule(ctx, &TestRuleRequest{Rule: *req, Payload: map[string]interface{}{"leadScore": 1}})
	require.NoError(t, err)
	assert.False(t, miss.Matched)
	assert.Nil(t, miss.Preview)

	assert.Empty(t, f.logs(t))
	assert.Empty(t, f.transport.Sent())
	var rules int64
	f.db.Model(&models.AutomationRule{}).Count(&rules)
	assert.Equal(t, int64(0), rules)
}

func TestAutomationService_ListDispatchLogs(t *testing.T) {
	f := newAutomationFixture(t)
	ctx := context.Background()
	tplID := f.template(t, "s", "b")
	f.transport.failTo["bad@example.com"] = errors.New("rejected")

	req := validRuleRequest(tplID)
	req.Recipients.Config.CustomEmails = []string{"ops@example.com", "bad@example.com", "sales@example.com"}
	rule, err := f.svc.CreateRule(ctx, req)
	require.NoError(t, err)
	res, err := f.svc.ProcessTrigger(ctx, models.TriggerContactCreated, "contact", "1", map[string]interface{}{"leadScore": 50})
	require.NoError(t, err)

	logs, total, err := f.svc.ListDispatchLogs(ctx, &DispatchLogQuery{AutomationID: rule.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, logs, 3)

	_, total, err = f.svc.ListDispatchLogs(ctx, &DispatchLogQuery{Status: []string{"failed"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	_, total, err = f.svc.ListDispatchLogs(ctx, &DispatchLogQuery{Status: []string{"sent,failed"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, total, err = f.svc.ListDispatchLogs(ctx, &DispatchLogQuery{InvocationID: res.InvocationID, TriggerType: models.TriggerContactCreated})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	page, total, err := f.svc.ListDispatchLogs(ctx, &DispatchLogQuery{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 1)

	_, _, err = f.svc.ListDispatchLogs(ctx, &DispatchLogQuery{From: "yesterday"})
	assert.True(t, errors.Is(err, ErrInvalidQuery))
}

func TestTemplateService_DeleteInUse(t *testing.T) {
	f := newAutomationFixture(t)
	ctx := context.Background()
	templates := NewTemplateService(f.db)
	tplID := f.template(t, "s", "b")
	rule, err := f.svc.CreateRule(ctx, validRuleRequest(tplID))
	require.NoError(t, err)

	assert.True(t, errors.Is(templates.DeleteTemplate(ctx, tplID), ErrTemplateInUse))
	require.NoError(t, f.svc.DeleteRule(ctx, rule.ID))
	require.NoError(t, templates.DeleteTemplate(ctx, tplID))
	assert.True(t, errors.Is(templates.DeleteTemplate(ctx, tplID), ErrTemplateNotFound))

	_, err = templates.LoadTemplate(ctx, tplID)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}
