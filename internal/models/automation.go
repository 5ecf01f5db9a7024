package models

import (
	"time"

	"gorm.io/datatypes"
)

// 触发器类型
const (
	TriggerContactCreated   = "contact_created"
	TriggerContactUpdated   = "contact_updated"
	TriggerEnquirySubmitted = "enquiry_submitted"
	TriggerCaseCreated      = "case_created"
	TriggerCaseUpdated      = "case_updated"
	TriggerTrainingBooking  = "training_booking"
	TriggerInvoiceSent      = "invoice_sent"
	TriggerInvoiceOverdue   = "invoice_overdue"
	TriggerReminderDue      = "reminder_due"
	TriggerCustom           = "custom"
)

// SupportedTriggers lists every trigger type a rule may subscribe to.
var SupportedTriggers = []string{
	TriggerContactCreated,
	TriggerContactUpdated,
	TriggerEnquirySubmitted,
	TriggerCaseCreated,
	TriggerCaseUpdated,
	TriggerTrainingBooking,
	TriggerInvoiceSent,
	TriggerInvoiceOverdue,
	TriggerReminderDue,
	TriggerCustom,
}

func IsSupportedTrigger(triggerType string) bool {
	for _, t := range SupportedTriggers {
		if t == triggerType {
			return true
		}
	}
	return false
}

// 收件人类型
const (
	RecipientContact        = "contact"
	RecipientUser           = "user"
	RecipientCustom         = "custom"
	RecipientAllContacts    = "all_contacts"
	RecipientContactsByTag  = "contacts_by_tag"
	RecipientContactsByType = "contacts_by_type"
)

// 延迟单位
const (
	DelayImmediate = "immediate"
	DelayMinutes   = "minutes"
	DelayHours     = "hours"
	DelayDays      = "days"
	DelayWeeks     = "weeks"
)

// 条件连接方式
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// 投递状态
const (
	DispatchPending     = "pending"
	DispatchDispatching = "dispatching"
	DispatchSent        = "sent"
	DispatchFailed      = "failed"
)

// ConditionSpec is a condition as stored on a rule. Logic is ignored on the root.
type ConditionSpec struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Logic    string      `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// ConditionTree 根条件 + 按顺序求值的附加条件
type ConditionTree struct {
	Root       ConditionSpec   `json:"root" yaml:"root"`
	Additional []ConditionSpec `json:"additional,omitempty" yaml:"additional,omitempty"`
}

type RecipientConfig struct {
	UserRole     string   `json:"user_role,omitempty" yaml:"user_role,omitempty"`
	CustomEmails []string `json:"custom_emails,omitempty" yaml:"custom_emails,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	ContactTypes []string `json:"contact_types,omitempty" yaml:"contact_types,omitempty"`
}

type RecipientSpec struct {
	Kind   string          `json:"kind" yaml:"kind"`
	Config RecipientConfig `json:"config" yaml:"config"`
}

type DelaySpec struct {
	Unit  string `gorm:"size:16;default:'immediate'" json:"unit" yaml:"unit"`
	Value int    `json:"value" yaml:"value"`
}

// AutomationRule 自动化规则。IsActive 不设 gorm 默认值，显式的 false 才能被保存。
type AutomationRule struct {
	ID              uint                              `gorm:"primaryKey" json:"id"`
	Name            string                            `gorm:"not null" json:"name"`
	Description     string                            `gorm:"type:text" json:"description"`
	IsActive        bool                              `gorm:"index" json:"is_active"`
	TriggerType     string                            `gorm:"size:64;index;not null" json:"trigger_type"`
	Conditions      datatypes.JSONType[ConditionTree] `json:"conditions"`
	TemplateID      uint                              `gorm:"index" json:"template_id"`
	Recipients      datatypes.JSONType[RecipientSpec] `json:"recipients"`
	Delay           DelaySpec                         `gorm:"embedded;embeddedPrefix:delay_" json:"delay"`
	LastTriggeredAt *time.Time                        `json:"last_triggered_at"`
	TriggerCount    int64                             `gorm:"not null;default:0" json:"trigger_count"`
	CreatedAt       time.Time                         `json:"created_at"`
	UpdatedAt       time.Time                         `json:"updated_at"`
}

// DispatchLogEntry 一条 (规则, 收件人, 触发) 的投递记录
type DispatchLogEntry struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	AutomationID      uint              `gorm:"index;not null" json:"automation_id"`
	InvocationID      string            `gorm:"size:36;index" json:"invocation_id"`
	TriggerType       string            `gorm:"size:64;index" json:"trigger_type"`
	TriggerEntityType string            `gorm:"size:64" json:"trigger_entity_type"`
	TriggerEntityID   string            `gorm:"size:128" json:"trigger_entity_id"`
	TemplateID        uint              `json:"template_id"`
	RecipientEmail    string            `gorm:"not null" json:"recipient_email"`
	RecipientName     string            `json:"recipient_name"`
	Subject           string            `json:"subject"`
	Payload           datatypes.JSONMap `json:"payload"`
	Status            string            `gorm:"size:16;not null;index:idx_dispatch_due,priority:1" json:"status"`
	ScheduledFor      time.Time         `gorm:"not null;index:idx_dispatch_due,priority:2" json:"scheduled_for"`
	ClaimedAt         *time.Time        `json:"claimed_at,omitempty"`
	SentAt            *time.Time        `json:"sent_at"`
	MessageID         string            `json:"message_id,omitempty"`
	ErrorMessage      *string           `gorm:"type:text" json:"error_message"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (DispatchLogEntry) TableName() string {
	return "dispatch_logs"
}

// IsTerminal reports whether the entry reached sent or failed.
func (e *DispatchLogEntry) IsTerminal() bool {
	return e.Status == DispatchSent || e.Status == DispatchFailed
}
