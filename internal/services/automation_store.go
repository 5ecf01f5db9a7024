package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triggerflow/internal/models"

	"gorm.io/gorm"
)

var (
	ErrRuleNotFound       = errors.New("automation rule not found")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrTemplateInUse      = errors.New("template is referenced by automation rules")
	ErrInvalidRule        = errors.New("invalid automation rule")
	ErrUnsupportedTrigger = errors.New("unsupported trigger type")
	ErrInvalidQuery       = errors.New("invalid query")
)

// RuleStore is the engine's read path over rules plus the firing statistics write.
type RuleStore interface {
	LoadActiveRules(ctx context.Context, triggerType string) ([]models.AutomationRule, error)
	RecordFiring(ctx context.Context, ruleID uint, at time.Time) error
}

// TemplateStore 按 id 加载邮件模板
type TemplateStore interface {
	LoadTemplate(ctx context.Context, id uint) (MessageTemplate, error)
}

type GormRuleStore struct {
	db *gorm.DB
}

func NewGormRuleStore(db *gorm.DB) *GormRuleStore {
	return &GormRuleStore{db: db}
}

func (s *GormRuleStore) LoadActiveRules(ctx context.Context, triggerType string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND trigger_type = ?", true, triggerType).
		Order("id ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	return rules, nil
}

// RecordFiring 原子递增 trigger_count 并更新 last_triggered_at
func (s *GormRuleStore) RecordFiring(ctx context.Context, ruleID uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", ruleID).
		UpdateColumns(map[string]interface{}{
			"trigger_count":     gorm.Expr("trigger_count + ?", 1),
			"last_triggered_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("record firing for rule %d: %w", ruleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// TemplateService 模板的存取，同时实现 TemplateStore
type TemplateService struct {
	db *gorm.DB
}

func NewTemplateService(db *gorm.DB) *TemplateService {
	return &TemplateService{db: db}
}

type TemplateRequest struct {
	Name    string `json:"name" binding:"required"`
	Subject string `json:"subject" binding:"required"`
	Body    string `json:"body"`
}

func (s *TemplateService) LoadTemplate(ctx context.Context, id uint) (MessageTemplate, error) {
	tpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return MessageTemplate{}, err
	}
	return MessageTemplate{Subject: tpl.Subject, Body: tpl.Body}, nil
}

func (s *TemplateService) GetTemplate(ctx context.Context, id uint) (*models.EmailTemplate, error) {
	var tpl models.EmailTemplate
	if err := s.db.WithContext(ctx).First(&tpl, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTemplateNotFound, id)
		}
		return nil, fmt.Errorf("load template %d: %w", id, err)
	}
	return &tpl, nil
}

func (s *TemplateService) ListTemplates(ctx context.Context) ([]models.EmailTemplate, error) {
	var list []models.EmailTemplate
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (s *TemplateService) CreateTemplate(ctx context.Context, req *TemplateRequest) (*models.EmailTemplate, error) {
	if req == nil || req.Name == "" || req.Subject == "" {
		return nil, fmt.Errorf("name and subject required")
	}
	tpl := &models.EmailTemplate{Name: req.Name, Subject: req.Subject, Body: req.Body}
	if err := s.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return nil, err
	}
	return tpl, nil
}

// DeleteTemplate refuses to remove a template that a rule still points at.
func (s *TemplateService) DeleteTemplate(ctx context.Context, id uint) error {
	var refs int64
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("template_id = ?", id).Count(&refs).Error; err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w (%d rules)", ErrTemplateInUse, refs)
	}
	res := s.db.WithContext(ctx).Delete(&models.EmailTemplate{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTemplateNotFound, id)
	}
	return nil
}

// FindTemplateByName 按名称查找模板
func (s *TemplateService) FindTemplateByName(ctx context.Context, name string) (*models.EmailTemplate, error) {
	var tpl models.EmailTemplate
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
		}
		return nil, err
	}
	return &tpl, nil
}
