package handlers

import (
	"net/http"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TemplateHandler 邮件模板管理
type TemplateHandler struct {
	templates *services.TemplateService
	logger    *logrus.Logger
}

func NewTemplateHandler(templates *services.TemplateService, logger *logrus.Logger) *TemplateHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TemplateHandler{templates: templates, logger: logger}
}

func RegisterTemplateRoutes(r *gin.RouterGroup, h *TemplateHandler) {
	g := r.Group("/templates")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
}

func (h *TemplateHandler) List(c *gin.Context) {
	list, err := h.templates.ListTemplates(c.Request.Context())
	if err != nil {
		writeServiceError(c, h.logger, "list templates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

func (h *TemplateHandler) Create(c *gin.Context) {
	var req services.TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	tpl, err := h.templates.CreateTemplate(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, h.logger, "create template", err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (h *TemplateHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	tpl, err := h.templates.GetTemplate(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.logger, "get template", err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// Delete 被规则引用的模板返回 409
func (h *TemplateHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.templates.DeleteTemplate(c.Request.Context(), id); err != nil {
		writeServiceError(c, h.logger, "delete template", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Template deleted"})
}
