package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"triggerflow/internal/metrics"
	"triggerflow/internal/models"
	"triggerflow/internal/observability"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 规则跳过原因
const (
	SkipConfigError     = "config_error"
	SkipPersistError    = "persistence_error"
	SkipPanic           = "panic"
	SkipResolutionError = "resolution_error"
)

// RuleOutcome 单条规则在一次触发中的处理结果
type RuleOutcome struct {
	RuleID       uint      `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	Matched      bool      `json:"matched"`
	Skipped      string    `json:"skipped,omitempty"`
	Error        string    `json:"error,omitempty"`
	Recipients   int       `json:"recipients"`
	LogIDs       []uint    `json:"log_ids,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// TriggerResult summarises one ProcessTrigger call.
type TriggerResult struct {
	InvocationID   string           `json:"invocation_id"`
	TriggerType    string           `json:"trigger_type"`
	RulesEvaluated int              `json:"rules_evaluated"`
	RulesMatched   int              `json:"rules_matched"`
	EntriesCreated int              `json:"entries_created"`
	DueNow         int              `json:"due_now"`
	Rules          []RuleOutcome    `json:"rules"`
	Dispatched     []DispatchResult `json:"dispatched,omitempty"`
}

// AutomationService evaluates rules for incoming triggers and queues their messages.
type AutomationService struct {
	db             *gorm.DB
	rules          RuleStore
	templates      TemplateStore
	directory      Directory
	queue          DispatchQueue
	executor       *DispatchExecutor
	logger         *logrus.Logger
	now            func() time.Time
	asyncImmediate bool
	processTimeout time.Duration
	wg             sync.WaitGroup
}

func NewAutomationService(db *gorm.DB, queue DispatchQueue, executor *DispatchExecutor, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AutomationService{
		db:             db,
		queue:          queue,
		executor:       executor,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
		asyncImmediate: true,
		processTimeout: 10 * time.Second,
	}
	if db != nil {
		s.rules = NewGormRuleStore(db)
		s.templates = NewTemplateService(db)
		s.directory = NewGormDirectory(db)
	}
	return s
}

// SetRuleStore 替换规则存储
func (s *AutomationService) SetRuleStore(rules RuleStore) { s.rules = rules }

// SetTemplateStore 替换模板存储
func (s *AutomationService) SetTemplateStore(templates TemplateStore) { s.templates = templates }

// SetDirectory 替换收件人目录
func (s *AutomationService) SetDirectory(dir Directory) { s.directory = dir }

// SetAsyncImmediate toggles background dispatch of entries that are due at trigger time.
func (s *AutomationService) SetAsyncImmediate(async bool) { s.asyncImmediate = async }

func (s *AutomationService) SetProcessTimeout(d time.Duration) {
	if d > 0 {
		s.processTimeout = d
	}
}

func (s *AutomationService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Wait blocks until background dispatches started by ProcessTrigger finish.
func (s *AutomationService) Wait() {
	s.wg.Wait()
}

// ProcessTrigger evaluates every active rule subscribed to triggerType. Rules
// are isolated from each other: configuration and resolution problems skip
// or empty a rule, transport problems land on the log entry. Only failures to
// persist log entries are returned, combined across rules.
func (s *AutomationService) ProcessTrigger(ctx context.Context, triggerType, entityType, entityID string, payload map[string]interface{}) (*TriggerResult, error) {
	if !models.IsSupportedTrigger(triggerType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrigger, triggerType)
	}
	if s.rules == nil || s.queue == nil {
		return nil, errors.New("automation service not configured")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	result := &TriggerResult{InvocationID: uuid.NewString(), TriggerType: triggerType}

	ctx, span := observability.Tracer().Start(ctx, "automation.process_trigger", trace.WithAttributes(
		attribute.String("automation.trigger_type", triggerType),
		attribute.String("automation.entity_type", entityType),
		attribute.String("automation.invocation_id", result.InvocationID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.processTimeout)
	defer cancel()

	metrics.IncTriggerProcessed(triggerType)

	rules, err := s.rules.LoadActiveRules(ctx, triggerType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load rules failed")
		return result, err
	}

	now := s.now()
	inv := invocation{
		id:          result.InvocationID,
		triggerType: triggerType,
		entityType:  entityType,
		entityID:    entityID,
		payload:     payload,
		now:         now,
	}

	var (
		persistErr error
		due        []uint
	)
	for i := range rules {
		outcome, dueIDs, err := s.processRule(ctx, &rules[i], inv)
		result.RulesEvaluated++
		if outcome.Matched {
			result.RulesMatched++
		}
		result.EntriesCreated += len(outcome.LogIDs)
		result.Rules = append(result.Rules, outcome)
		due = append(due, dueIDs...)
		if err != nil {
			persistErr = multierr.Append(persistErr, err)
		}
	}
	result.DueNow = len(due)

	s.dispatchDue(ctx, result, due)

	if persistErr != nil {
		span.RecordError(persistErr)
		span.SetStatus(codes.Error, "persist dispatch entries failed")
	}
	span.SetAttributes(
		attribute.Int("automation.rules_matched", result.RulesMatched),
		attribute.Int("automation.entries_created", result.EntriesCreated),
	)
	return result, persistErr
}

type invocation struct {
	id          string
	triggerType string
	entityType  string
	entityID    string
	payload     map[string]interface{}
	now         time.Time
}

// processRule runs one rule. The returned error is set only for a failed log write.
func (s *AutomationService) processRule(ctx context.Context, rule *models.AutomationRule, inv invocation) (outcome RuleOutcome, due []uint, err error) {
	outcome = RuleOutcome{RuleID: rule.ID, RuleName: rule.Name}
	log := s.logger.WithFields(logrus.Fields{
		"rule_id":       rule.ID,
		"trigger_type":  inv.triggerType,
		"invocation_id": inv.id,
	})

	ctx, span := observability.Tracer().Start(ctx, "automation.rule",
		trace.WithAttributes(attribute.Int64("automation.rule_id", int64(rule.ID))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("automation: rule panicked: %v", r)
			metrics.IncRuleError(SkipPanic)
			outcome.Skipped = SkipPanic
			outcome.Error = fmt.Sprint(r)
			due = nil
			err = nil
		}
	}()

	skip := func(reason string, cause error) (RuleOutcome, []uint, error) {
		log.Warnf("automation: rule skipped (%s): %v", reason, cause)
		metrics.IncRuleError(reason)
		span.SetStatus(codes.Error, reason)
		outcome.Skipped = reason
		outcome.Error = cause.Error()
		return outcome, nil, nil
	}

	conditions, cerr := CompileStoredConditions(rule.Conditions.Data())
	if cerr != nil {
		return skip(SkipConfigError, cerr)
	}
	if !conditions.Evaluate(inv.payload) {
		return outcome, nil, nil
	}
	outcome.Matched = true

	tpl, terr := s.templates.LoadTemplate(ctx, rule.TemplateID)
	if terr != nil {
		outcome.Matched = false
		return skip(SkipConfigError, terr)
	}
	strategy, rerr := NewRecipientStrategy(rule.Recipients.Data())
	if rerr != nil {
		outcome.Matched = false
		return skip(SkipConfigError, rerr)
	}

	recipients, rerr := ResolveRecipients(ctx, strategy, inv.payload, s.directory)
	if rerr != nil {
		// 目录查询失败按零收件人处理
		log.Warnf("automation: recipient resolution failed, treating as empty: %v", rerr)
		metrics.IncRuleError(SkipResolutionError)
		recipients = nil
	}
	outcome.Recipients = len(recipients)

	scheduledFor := ComputeDispatchTime(rule.Delay, inv.now)
	outcome.ScheduledFor = scheduledFor

	entries := make([]*models.DispatchLogEntry, 0, len(recipients))
	for _, r := range recipients {
		bag := BuildDataBag(inv.payload, r)
		entries = append(entries, &models.DispatchLogEntry{
			AutomationID:      rule.ID,
			InvocationID:      inv.id,
			TriggerType:       inv.triggerType,
			TriggerEntityType: inv.entityType,
			TriggerEntityID:   inv.entityID,
			TemplateID:        rule.TemplateID,
			RecipientEmail:    r.Email,
			RecipientName:     r.Name,
			Subject:           RenderText(tpl.Subject, bag),
			Payload:           datatypes.JSONMap(inv.payload),
			Status:            models.DispatchPending,
			ScheduledFor:      scheduledFor,
		})
	}

	if err := s.queue.Enqueue(ctx, entries); err != nil {
		log.Errorf("automation: persisting %d dispatch entries failed: %v", len(entries), err)
		metrics.IncRuleError(SkipPersistError)
		span.RecordError(err)
		outcome.Skipped = SkipPersistError
		outcome.Error = err.Error()
		return outcome, nil, fmt.Errorf("rule %d: %w", rule.ID, err)
	}

	if err := s.rules.RecordFiring(ctx, rule.ID, inv.now); err != nil {
		log.Warnf("automation: record firing failed: %v", err)
	}
	metrics.IncRuleFired(inv.triggerType)

	for _, e := range entries {
		outcome.LogIDs = append(outcome.LogIDs, e.ID)
		if IsDue(e.ScheduledFor, inv.now) {
			due = append(due, e.ID)
		}
	}
	log.WithField("entries", len(entries)).Info("automation: rule fired")
	return outcome, due, nil
}

// dispatchDue hands entries due now to the executor, in the background unless
// async immediate dispatch is off.
func (s *AutomationService) dispatchDue(ctx context.Context, result *TriggerResult, ids []uint) {
	if len(ids) == 0 || s.executor == nil {
		return
	}
	if !s.asyncImmediate {
		dispatched, err := s.executor.DispatchAll(ctx, ids)
		if err != nil {
			s.logger.WithField("invocation_id", result.InvocationID).
				Errorf("automation: immediate dispatch error: %v", err)
		}
		result.Dispatched = dispatched
		return
	}

	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.executor.DispatchAll(detached, ids); err != nil {
			s.logger.WithField("invocation_id", result.InvocationID).
				Errorf("automation: immediate dispatch error: %v", err)
		}
	}()
}
