package models

import (
	"strings"
	"time"
)

// 联系人
type Contact struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `json:"name"`
	Email       string    `gorm:"index" json:"email"`
	Status      string    `gorm:"size:16;default:'active';index" json:"status"` // active, inactive
	ContactType string    `gorm:"size:64;index" json:"contact_type"`            // lead, customer, partner ...
	Tags        string    `json:"tags"`                                         // comma separated
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TagList splits the stored tag string.
func (c *Contact) TagList() []string {
	if c.Tags == "" {
		return nil
	}
	parts := strings.Split(c.Tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// 内部用户
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	Role      string    `gorm:"size:32;index" json:"role"` // admin, manager, staff ...
	Status    string    `gorm:"size:16;default:'active'" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 邮件模板
type EmailTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	Subject   string    `gorm:"not null" json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllModels returns every table the engine migrates.
func AllModels() []interface{} {
	return []interface{}{
		&EmailTemplate{},
		&Contact{},
		&User{},
		&AutomationRule{},
		&DispatchLogEntry{},
	}
}
