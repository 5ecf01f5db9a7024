package services

import (
	"context"
	"fmt"
	"time"

	"triggerflow/internal/metrics"
	"triggerflow/internal/models"
	"triggerflow/internal/observability"
	"triggerflow/pkg/mailer"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchResult 单条投递的处理结果。Claimed=false 表示条目已被处理或未到期
type DispatchResult struct {
	LogID     uint   `json:"log_id"`
	Claimed   bool   `json:"claimed"`
	Status    string `json:"status,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DispatchExecutor claims an entry, renders it, sends it and writes the terminal state.
type DispatchExecutor struct {
	queue     DispatchQueue
	templates TemplateStore
	transport mailer.Transport
	events    *DispatchEventHub
	logger    *logrus.Logger
	workers   int
	now       func() time.Time
}

func NewDispatchExecutor(queue DispatchQueue, templates TemplateStore, transport mailer.Transport, logger *logrus.Logger) *DispatchExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &DispatchExecutor{
		queue:     queue,
		templates: templates,
		transport: transport,
		logger:    logger,
		workers:   4,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *DispatchExecutor) SetEventHub(h *DispatchEventHub) { e.events = h }

func (e *DispatchExecutor) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

func (e *DispatchExecutor) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Dispatch processes one log entry. Entries that are not pending (or not yet
// due) are left alone and reported with Claimed=false.
func (e *DispatchExecutor) Dispatch(ctx context.Context, id uint) (DispatchResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "automation.dispatch",
		trace.WithAttributes(attribute.Int64("dispatch.log_id", int64(id))))
	defer span.End()

	result := DispatchResult{LogID: id}
	entry, claimed, err := e.queue.Claim(ctx, id, e.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return result, err
	}
	if !claimed {
		return result, nil
	}
	result.Claimed = true

	outcome := e.deliver(ctx, entry)
	result.Status = outcome.Status
	result.MessageID = outcome.MessageID
	result.Error = outcome.ErrorMessage

	// 终态写入不跟随调用方取消
	writeCtx := context.WithoutCancel(ctx)
	completed, err := e.queue.Complete(writeCtx, id, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
		e.logger.WithFields(logrus.Fields{"log_id": id, "status": outcome.Status}).
			Errorf("automation: terminal write failed: %v", err)
		return result, err
	}
	if !completed {
		e.logger.WithField("log_id", id).Warn("automation: entry left dispatching state before completion")
		return result, nil
	}

	metrics.IncDispatchOutcome(outcome.Status)
	span.SetAttributes(attribute.String("dispatch.status", outcome.Status))
	if outcome.Status == models.DispatchFailed {
		span.SetStatus(codes.Error, outcome.ErrorMessage)
	}

	fields := logrus.Fields{
		"log_id":        id,
		"rule_id":       entry.AutomationID,
		"invocation_id": entry.InvocationID,
		"recipient":     entry.RecipientEmail,
		"status":        outcome.Status,
	}
	if outcome.Status == models.DispatchFailed {
		e.logger.WithFields(fields).Warnf("automation: dispatch failed: %s", outcome.ErrorMessage)
	} else {
		e.logger.WithFields(fields).Info("automation: dispatch sent")
	}

	e.events.Publish(DispatchEvent{
		Type:           "dispatch." + outcome.Status,
		LogID:          id,
		AutomationID:   entry.AutomationID,
		InvocationID:   entry.InvocationID,
		RecipientEmail: entry.RecipientEmail,
		Status:         outcome.Status,
		Error:          outcome.ErrorMessage,
	})
	return result, nil
}

func (e *DispatchExecutor) deliver(ctx context.Context, entry *models.DispatchLogEntry) DispatchOutcome {
	tpl, err := e.templates.LoadTemplate(ctx, entry.TemplateID)
	if err != nil {
		return DispatchOutcome{Status: models.DispatchFailed, At: e.now(), ErrorMessage: fmt.Sprintf("load template: %v", err)}
	}
	if e.transport == nil {
		return DispatchOutcome{Status: models.DispatchFailed, At: e.now(), ErrorMessage: "no message transport configured"}
	}

	recipient := Recipient{Email: entry.RecipientEmail, Name: entry.RecipientName}
	msg := RenderTemplate(tpl, BuildDataBag(entry.Payload, recipient))

	messageID, err := e.transport.SendMessage(ctx, entry.RecipientEmail, msg.Subject, msg.Body)
	if err != nil {
		return DispatchOutcome{Status: models.DispatchFailed, At: e.now(), ErrorMessage: err.Error()}
	}
	return DispatchOutcome{Status: models.DispatchSent, At: e.now(), MessageID: messageID}
}

// DispatchAll dispatches ids with at most workers in flight. Once ctx is done
// no further entries are started; an entry already started runs to its
// terminal write.
func (e *DispatchExecutor) DispatchAll(ctx context.Context, ids []uint) ([]DispatchResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	p := pool.NewWithResults[DispatchResult]().
		WithErrors().
		WithMaxGoroutines(e.workers)
	for _, id := range ids {
		id := id
		p.Go(func() (DispatchResult, error) {
			if ctx.Err() != nil {
				return DispatchResult{LogID: id}, nil
			}
			return e.Dispatch(context.WithoutCancel(ctx), id)
		})
	}
	return p.Wait()
}
