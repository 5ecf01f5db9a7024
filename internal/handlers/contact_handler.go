package handlers

import (
	"net/http"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ContactHandler 联系人目录管理处理器
type ContactHandler struct {
	contacts *services.ContactService
	logger   *logrus.Logger
}

// NewContactHandler 创建联系人处理器
func NewContactHandler(contacts *services.ContactService, logger *logrus.Logger) *ContactHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ContactHandler{contacts: contacts, logger: logger}
}

func RegisterContactRoutes(r *gin.RouterGroup, h *ContactHandler) {
	contacts := r.Group("/contacts")
	contacts.GET("", h.ListContacts)
	contacts.POST("", h.CreateContact)
	contacts.GET("/:id", h.GetContact)
	contacts.PUT("/:id", h.UpdateContact)

	users := r.Group("/users")
	users.GET("", h.ListUsers)
	users.POST("", h.CreateUser)
}

// CreateContact 创建联系人，保存后触发 contact_created
// @Summary 创建联系人
// @Tags 联系人
// @Accept json
// @Produce json
// @Param contact body services.ContactCreateRequest true "联系人信息"
// @Success 201 {object} models.Contact
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/contacts [post]
func (h *ContactHandler) CreateContact(c *gin.Context) {
	var req services.ContactCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	contact, err := h.contacts.CreateContact(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, h.logger, "create contact", err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

// GetContact 获取联系人详情
func (h *ContactHandler) GetContact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	contact, err := h.contacts.GetContact(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.logger, "get contact", err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

// UpdateContact 更新联系人，保存后触发 contact_updated
func (h *ContactHandler) UpdateContact(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.ContactUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	contact, err := h.contacts.UpdateContact(c.Request.Context(), id, &req)
	if err != nil {
		writeServiceError(c, h.logger, "update contact", err)
		return
	}
	c.JSON(http.StatusOK, contact)
}

// ListContacts 获取联系人列表
func (h *ContactHandler) ListContacts(c *gin.Context) {
	var req services.ContactListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}
	contacts, total, err := h.contacts.ListContacts(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, h.logger, "list contacts", err)
		return
	}
	c.JSON(http.StatusOK, paginated(contacts, total, req.Page, req.PageSize))
}

func (h *ContactHandler) CreateUser(c *gin.Context) {
	var req services.UserCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	user, err := h.contacts.CreateUser(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, h.logger, "create user", err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *ContactHandler) ListUsers(c *gin.Context) {
	users, err := h.contacts.ListUsers(c.Request.Context(), c.Query("role"))
	if err != nil {
		writeServiceError(c, h.logger, "list users", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": users, "total": len(users)})
}
