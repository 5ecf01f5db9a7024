package metrics

import (
	"sync"
	"sync/atomic"
)

// labeledCounter is a total plus per-label counts, safe for concurrent use.
type labeledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labeledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labeledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rl         labeledCounter // 429 by path prefix
	triggers   labeledCounter // ProcessTrigger calls by trigger type
	rulesFired labeledCounter // matched rules by trigger type
	dispatches labeledCounter // terminal dispatch outcomes by status
	ruleErrors labeledCounter // skipped rules by error class
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rl.inc(prefix)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rl.snapshot()
}

func IncTriggerProcessed(triggerType string) {
	triggers.inc(triggerType)
}

func IncRuleFired(triggerType string) {
	rulesFired.inc(triggerType)
}

// IncDispatchOutcome 记录一次终态写入 (sent / failed)
func IncDispatchOutcome(status string) {
	dispatches.inc(status)
}

// IncRuleError counts rules skipped for a configuration, resolution or persistence error.
func IncRuleError(class string) {
	ruleErrors.inc(class)
}

type CounterSnapshot struct {
	Total   uint64            `json:"total"`
	ByLabel map[string]uint64 `json:"by_label"`
}

type Snapshot struct {
	RateLimitDrops    CounterSnapshot `json:"rate_limit_drops"`
	TriggersProcessed CounterSnapshot `json:"triggers_processed"`
	RulesFired        CounterSnapshot `json:"rules_fired"`
	Dispatches        CounterSnapshot `json:"dispatches"`
	RuleErrors        CounterSnapshot `json:"rule_errors"`
}

func counter(c *labeledCounter) CounterSnapshot {
	total, by := c.snapshot()
	return CounterSnapshot{Total: total, ByLabel: by}
}

// TakeSnapshot 返回所有计数器的拷贝
func TakeSnapshot() Snapshot {
	return Snapshot{
		RateLimitDrops:    counter(&rl),
		TriggersProcessed: counter(&triggers),
		RulesFired:        counter(&rulesFired),
		Dispatches:        counter(&dispatches),
		RuleErrors:        counter(&ruleErrors),
	}
}

// Reset clears every counter.
func Reset() {
	rl = labeledCounter{}
	triggers = labeledCounter{}
	rulesFired = labeledCounter{}
	dispatches = labeledCounter{}
	ruleErrors = labeledCounter{}
}
