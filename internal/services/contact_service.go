package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrContactNotFound = errors.New("contact not found")

// TriggerProcessor 触发自动化的入口，由 AutomationService 实现
type TriggerProcessor interface {
	ProcessTrigger(ctx context.Context, triggerType, entityType, entityID string, payload map[string]interface{}) (*TriggerResult, error)
}

// ContactService 联系人与内部用户目录管理
type ContactService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	automation TriggerProcessor
}

// NewContactService 创建目录服务
func NewContactService(db *gorm.DB, logger *logrus.Logger) *ContactService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ContactService{db: db, logger: logger}
}

// SetAutomation 注入自动化入口；为空时保存联系人不触发规则
func (s *ContactService) SetAutomation(p TriggerProcessor) { s.automation = p }

// ContactCreateRequest 创建联系人请求
type ContactCreateRequest struct {
	Name        string                 `json:"name" binding:"required"`
	Email       string                 `json:"email" binding:"required,email"`
	ContactType string                 `json:"contact_type"`
	Tags        []string               `json:"tags"`
	Status      string                 `json:"status"`
	Attributes  map[string]interface{} `json:"attributes"`
}

// ContactUpdateRequest 更新联系人请求
type ContactUpdateRequest struct {
	Name        *string                `json:"name"`
	Email       *string                `json:"email"`
	ContactType *string                `json:"contact_type"`
	Tags        []string               `json:"tags"`
	Status      *string                `json:"status"`
	Attributes  map[string]interface{} `json:"attributes"`
}

// ContactListRequest 联系人列表请求
type ContactListRequest struct {
	Page        int    `form:"page"`
	PageSize    int    `form:"page_size"`
	Status      string `form:"status"`
	ContactType string `form:"contact_type"`
	Search      string `form:"search"`
}

// CreateContact 创建联系人并触发 contact_created
func (s *ContactService) CreateContact(ctx context.Context, req *ContactCreateRequest) (*models.Contact, error) {
	status := req.Status
	if status == "" {
		status = "active"
	}
	contact := &models.Contact{
		Name:        strings.TrimSpace(req.Name),
		Email:       strings.TrimSpace(req.Email),
		Status:      status,
		ContactType: req.ContactType,
		Tags:        joinTags(req.Tags),
	}
	if err := s.db.WithContext(ctx).Create(contact).Error; err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	s.logger.Infof("Created contact %d", contact.ID)

	s.raise(ctx, models.TriggerContactCreated, contact, req.Attributes)
	return contact, nil
}

func (s *ContactService) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}
	return &contact, nil
}

// UpdateContact 更新联系人并触发 contact_updated
func (s *ContactService) UpdateContact(ctx context.Context, id uint, req *ContactUpdateRequest) (*models.Contact, error) {
	if _, err := s.GetContact(ctx, id); err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		updates["name"] = strings.TrimSpace(*req.Name)
	}
	if req.Email != nil {
		updates["email"] = strings.TrimSpace(*req.Email)
	}
	if req.ContactType != nil {
		updates["contact_type"] = *req.ContactType
	}
	if req.Tags != nil {
		updates["tags"] = joinTags(req.Tags)
	}
	if req.Status != nil {
		updates["status"] = *req.Status
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to update contact: %w", err)
		}
	}

	contact, err := s.GetContact(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Updated contact %d", id)

	s.raise(ctx, models.TriggerContactUpdated, contact, req.Attributes)
	return contact, nil
}

// ListContacts 获取联系人列表
func (s *ContactService) ListContacts(ctx context.Context, req *ContactListRequest) ([]models.Contact, int64, error) {
	page, pageSize := clampPage(req.Page, req.PageSize)
	query := s.db.WithContext(ctx).Model(&models.Contact{})
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.ContactType != "" {
		query = query.Where("LOWER(contact_type) = ?", strings.ToLower(req.ContactType))
	}
	if req.Search != "" {
		term := "%" + strings.ToLower(req.Search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ?", term, term)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count contacts: %w", err)
	}
	var contacts []models.Contact
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&contacts).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, total, nil
}

// UserCreateRequest 创建内部用户请求
type UserCreateRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role" binding:"required"`
}

func (s *ContactService) CreateUser(ctx context.Context, req *UserCreateRequest) (*models.User, error) {
	user := &models.User{
		Name:   strings.TrimSpace(req.Name),
		Email:  strings.TrimSpace(req.Email),
		Role:   strings.TrimSpace(req.Role),
		Status: "active",
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *ContactService) ListUsers(ctx context.Context, role string) ([]models.User, error) {
	query := s.db.WithContext(ctx).Model(&models.User{})
	if role != "" {
		query = query.Where("role = ?", role)
	}
	var users []models.User
	if err := query.Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// raise 保存联系人后触发自动化。失败只记日志，不影响保存结果
func (s *ContactService) raise(ctx context.Context, triggerType string, c *models.Contact, attrs map[string]interface{}) {
	if s.automation == nil {
		return
	}
	payload := ContactPayload(c, attrs)
	if _, err := s.automation.ProcessTrigger(ctx, triggerType, "contact", strconv.FormatUint(uint64(c.ID), 10), payload); err != nil {
		s.logger.WithFields(logrus.Fields{
			"contact_id":   c.ID,
			"trigger_type": triggerType,
		}).Errorf("automation trigger failed: %v", err)
	}
}

// ContactPayload builds the trigger payload for a contact. Extra attributes
// never override the stored fields.
func ContactPayload(c *models.Contact, attrs map[string]interface{}) map[string]interface{} {
	payload := make(map[string]interface{}, len(attrs)+6)
	for k, v := range attrs {
		payload[k] = v
	}
	payload["id"] = c.ID
	payload["name"] = c.Name
	payload["email"] = c.Email
	payload["status"] = c.Status
	payload["contact_type"] = c.ContactType
	payload["tags"] = c.TagList()
	return payload
}

func joinTags(tags []string) string {
	return strings.Join(cleanList(tags), ",")
}
