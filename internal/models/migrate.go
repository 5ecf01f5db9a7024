package models

import (
	"fmt"

	"gorm.io/gorm"
)

var extraIndexes = []string{
	// 规则按触发类型加载
	"CREATE INDEX IF NOT EXISTS idx_automation_rules_trigger_active ON automation_rules(trigger_type, is_active)",
	// 投递日志按规则倒序查询
	"CREATE INDEX IF NOT EXISTS idx_dispatch_logs_automation_created ON dispatch_logs(automation_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_dispatch_logs_status_claimed ON dispatch_logs(status, claimed_at)",
	"CREATE INDEX IF NOT EXISTS idx_contacts_type_status ON contacts(contact_type, status)",
}

// Migrate 自动迁移所有表并创建附加索引
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Seed inserts a default admin user and a welcome template when missing.
func Seed(db *gorm.DB) error {
	admin := User{Name: "Administrator", Email: "admin@triggerflow.local", Role: "admin", Status: "active"}
	if err := db.Where(User{Email: admin.Email}).FirstOrCreate(&admin).Error; err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	welcome := EmailTemplate{
		Name:    "welcome",
		Subject: "Welcome, {{name}}",
		Body:    "Hi {{name}},\n\nThanks for getting in touch. We will be in contact shortly.",
	}
	if err := db.Where(EmailTemplate{Name: welcome.Name}).FirstOrCreate(&welcome).Error; err != nil {
		return fmt.Errorf("seed template: %w", err)
	}
	return nil
}
