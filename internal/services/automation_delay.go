package services

import (
	"fmt"
	"math"
	"strings"
	"time"

	"triggerflow/internal/models"
)

var delayUnits = map[string]time.Duration{
	models.DelayMinutes: time.Minute,
	models.DelayHours:   time.Hour,
	models.DelayDays:    24 * time.Hour,
	models.DelayWeeks:   7 * 24 * time.Hour,
}

// maxDelay is the longest delay a time.Duration can hold.
const maxDelay = time.Duration(math.MaxInt64)

// ComputeDispatchTime 计算投递时间。未知单位或非正数值一律按立即处理，
// 超出 maxDelay 的延迟截断为 maxDelay
func ComputeDispatchTime(spec models.DelaySpec, now time.Time) time.Time {
	unit, ok := delayUnits[strings.ToLower(strings.TrimSpace(spec.Unit))]
	if !ok || spec.Value <= 0 {
		return now
	}
	if int64(spec.Value) > int64(maxDelay/unit) {
		return now.Add(maxDelay)
	}
	return now.Add(time.Duration(spec.Value) * unit)
}

// IsDue reports whether an entry scheduled for scheduledFor may be dispatched at now.
func IsDue(scheduledFor, now time.Time) bool {
	return !scheduledFor.After(now)
}

// ValidateDelay is the strict check applied to admin input.
func ValidateDelay(spec models.DelaySpec) error {
	unit := strings.ToLower(strings.TrimSpace(spec.Unit))
	if unit == "" || unit == models.DelayImmediate {
		return nil
	}
	d, ok := delayUnits[unit]
	if !ok {
		return fmt.Errorf("unknown delay unit %q", spec.Unit)
	}
	if spec.Value <= 0 {
		return fmt.Errorf("delay value must be positive for unit %q", unit)
	}
	if int64(spec.Value) > int64(maxDelay/d) {
		return fmt.Errorf("delay of %d %s is too large", spec.Value, unit)
	}
	return nil
}
