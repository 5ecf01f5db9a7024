package services

import (
	"context"
	"time"

	"triggerflow/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const staleClaimMessage = "dispatch interrupted"

// DispatchOutcome 终态写入内容
type DispatchOutcome struct {
	Status       string
	At           time.Time
	MessageID    string
	ErrorMessage string
}

// DispatchQueue is the durable outbox of dispatch log entries. Claim is the
// only concurrency-sensitive operation: it moves one entry from pending to
// dispatching and reports whether this caller won it.
type DispatchQueue interface {
	Enqueue(ctx context.Context, entries []*models.DispatchLogEntry) error
	Due(ctx context.Context, now time.Time, limit int) ([]uint, error)
	Claim(ctx context.Context, id uint, now time.Time) (*models.DispatchLogEntry, bool, error)
	Complete(ctx context.Context, id uint, outcome DispatchOutcome) (bool, error)
	FailStale(ctx context.Context, claimedBefore, now time.Time) (int64, error)
}

type GormDispatchQueue struct {
	db *gorm.DB
}

func NewGormDispatchQueue(db *gorm.DB) *GormDispatchQueue {
	return &GormDispatchQueue{db: db}
}

// Enqueue persists entries of one rule firing in a single transaction.
func (q *GormDispatchQueue) Enqueue(ctx context.Context, entries []*models.DispatchLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.Status == "" {
			e.Status = models.DispatchPending
		}
	}
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(entries).Error
	})
	return errors.Wrapf(err, "enqueue %d dispatch entries", len(entries))
}

func (q *GormDispatchQueue) Due(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	var ids []uint
	query := q.db.WithContext(ctx).Model(&models.DispatchLogEntry{}).
		Where("status = ? AND scheduled_for <= ?", models.DispatchPending, now).
		Order("scheduled_for ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, errors.Wrap(err, "list due dispatch entries")
	}
	return ids, nil
}

// Claim 条件更新 pending -> dispatching，RowsAffected 为 0 表示已被他人领取或未到期
func (q *GormDispatchQueue) Claim(ctx context.Context, id uint, now time.Time) (*models.DispatchLogEntry, bool, error) {
	res := q.db.WithContext(ctx).Model(&models.DispatchLogEntry{}).
		Where("id = ? AND status = ? AND scheduled_for <= ?", id, models.DispatchPending, now).
		Updates(map[string]interface{}{
			"status":     models.DispatchDispatching,
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, false, errors.Wrapf(res.Error, "claim dispatch entry %d", id)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var entry models.DispatchLogEntry
	if err := q.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, true, errors.Wrapf(err, "load claimed dispatch entry %d", id)
	}
	return &entry, true, nil
}

// Complete writes the terminal state. It only applies to a claimed entry, so
// a second completion is a no-op that returns false.
func (q *GormDispatchQueue) Complete(ctx context.Context, id uint, outcome DispatchOutcome) (bool, error) {
	if outcome.Status != models.DispatchSent && outcome.Status != models.DispatchFailed {
		return false, errors.Errorf("invalid terminal status %q", outcome.Status)
	}
	updates := map[string]interface{}{
		"status":     outcome.Status,
		"updated_at": outcome.At,
	}
	if outcome.Status == models.DispatchSent {
		updates["sent_at"] = outcome.At
		updates["message_id"] = outcome.MessageID
		updates["error_message"] = nil
	} else {
		msg := outcome.ErrorMessage
		updates["error_message"] = &msg
	}

	res := q.db.WithContext(ctx).Model(&models.DispatchLogEntry{}).
		Where("id = ? AND status = ?", id, models.DispatchDispatching).
		Updates(updates)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "complete dispatch entry %d", id)
	}
	return res.RowsAffected == 1, nil
}

// FailStale fails entries claimed before claimedBefore that never completed.
// They are not re-queued: the transport may already have accepted them.
func (q *GormDispatchQueue) FailStale(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	msg := staleClaimMessage
	res := q.db.WithContext(ctx).Model(&models.DispatchLogEntry{}).
		Where("status = ? AND claimed_at < ?", models.DispatchDispatching, claimedBefore).
		Updates(map[string]interface{}{
			"status":        models.DispatchFailed,
			"error_message": &msg,
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "fail stale dispatch claims")
	}
	return res.RowsAffected, nil
}
