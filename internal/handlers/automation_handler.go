package handlers

import (
	"net/http"
	"strings"

	"triggerflow/internal/metrics"
	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化规则与投递记录的管理接口
type AutomationHandler struct {
	service *services.AutomationService
	sweeper *services.DispatchSweeper
	events  *services.DispatchEventHub
	logger  *logrus.Logger
}

// NewAutomationHandler 创建自动化处理器。sweeper 与 events 可为空
func NewAutomationHandler(service *services.AutomationService, sweeper *services.DispatchSweeper, events *services.DispatchEventHub, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{service: service, sweeper: sweeper, events: events, logger: logger}
}

// RegisterAutomationRoutes mounts the automation API on r. triggerGuard wraps
// the trigger ingress only (rate limiting); nil leaves it open.
func RegisterAutomationRoutes(r *gin.RouterGroup, h *AutomationHandler, triggerGuard gin.HandlerFunc) {
	g := r.Group("/automations")
	g.GET("", h.ListRules)
	g.POST("", h.CreateRule)

	g.GET("/logs", h.ListLogs)
	g.GET("/logs/stream", h.StreamLogs)
	g.GET("/metrics", h.Metrics)
	g.POST("/sweep", h.Sweep)
	g.POST("/test", h.TestRule)
	if triggerGuard != nil {
		g.POST("/triggers", triggerGuard, h.Trigger)
	} else {
		g.POST("/triggers", h.Trigger)
	}

	g.GET("/:id", h.GetRule)
	g.PUT("/:id", h.UpdateRule)
	g.DELETE("/:id", h.DeleteRule)
	g.POST("/:id/toggle", h.ToggleRule)
	g.GET("/:id/logs", h.RuleLogs)
	g.GET("/:id/stats", h.RuleStats)
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, h.logger, "list automation rules", err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, req.Page, req.PageSize))
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, h.logger, "create automation rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.logger, "get automation rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		writeServiceError(c, h.logger, "update automation rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则（连同投递记录）
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), id); err != nil {
		writeServiceError(c, h.logger, "delete automation rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation rule deleted"})
}

// ToggleRule flips the rule, or sets it from an optional {"active": bool} body.
func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
			return
		}
	}
	rule, err := h.service.ToggleRule(c.Request.Context(), id, body.Active)
	if err != nil {
		writeServiceError(c, h.logger, "toggle automation rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ListLogs 查询投递记录
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var q services.DispatchLogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	h.respondLogs(c, &q)
}

func (h *AutomationHandler) RuleLogs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var q services.DispatchLogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	q.AutomationID = id
	h.respondLogs(c, &q)
}

func (h *AutomationHandler) respondLogs(c *gin.Context, q *services.DispatchLogQuery) {
	logs, total, err := h.service.ListDispatchLogs(c.Request.Context(), q)
	if err != nil {
		writeServiceError(c, h.logger, "list dispatch logs", err)
		return
	}
	c.JSON(http.StatusOK, paginated(logs, total, q.Page, q.PageSize))
}

func (h *AutomationHandler) RuleStats(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	stats, err := h.service.RuleStats(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.logger, "get automation stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// TriggerRequest 外部系统提交的触发事件
type TriggerRequest struct {
	TriggerType string                 `json:"trigger_type" binding:"required"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Payload     map[string]interface{} `json:"payload"`
}

// Trigger is the ingress for external producers. Persistence failures are
// reported in the body; the event itself was accepted.
func (h *AutomationHandler) Trigger(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	result, err := h.service.ProcessTrigger(c.Request.Context(), strings.TrimSpace(req.TriggerType), req.EntityType, req.EntityID, req.Payload)
	if err != nil && result == nil {
		writeServiceError(c, h.logger, "process trigger", err)
		return
	}
	resp := gin.H{"result": result}
	if err != nil {
		h.logger.WithField("invocation_id", result.InvocationID).Errorf("trigger processed with errors: %v", err)
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

// Sweep 立即执行一次到期投递扫描
func (h *AutomationHandler) Sweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Sweeper not configured"})
		return
	}
	res, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		writeServiceError(c, h.logger, "sweep dispatch queue", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TestRule 规则试运行，不写库不发信
func (h *AutomationHandler) TestRule(c *gin.Context) {
	var req services.TestRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	res, err := h.service.TestRule(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, h.logger, "test automation rule", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AutomationHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.TakeSnapshot())
}

// StreamLogs 升级为 websocket 推送投递结果
func (h *AutomationHandler) StreamLogs(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Event stream not configured"})
		return
	}
	h.events.HandleWebSocket(c)
}
