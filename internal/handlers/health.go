package handlers

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"triggerflow/internal/config"
	"triggerflow/pkg/mailer"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	config  *config.Config
	db      *gorm.DB
	breaker *mailer.BreakerTransport
	version string
	logger  *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器。breaker 为空表示未启用熔断
func NewHealthHandler(cfg *config.Config, db *gorm.DB, breaker *mailer.BreakerTransport, version string) *HealthHandler {
	return &HealthHandler{
		config:  cfg,
		db:      db,
		breaker: breaker,
		version: version,
		logger:  logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var (
	startTime                 = time.Now()
	errDatabaseNotInitialized = errors.New("database connection not initialized")
)

// Health 健康检查端点。数据库不可用为 unhealthy，邮件熔断打开为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	if !h.checkDatabase(ctx, &response) {
		response.Status = "unhealthy"
	}
	if !h.checkMailer(&response) && response.Status == "healthy" {
		response.Status = "degraded"
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	var tmp HealthResponse
	tmp.Services = make(map[string]ServiceInfo)
	ready := h.checkDatabase(ctx, &tmp)

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  map[string]string{"database": tmp.Services["database"].Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context, response *HealthResponse) bool {
	start := time.Now()
	info := ServiceInfo{}
	if h.config != nil {
		info.Details = map[string]interface{}{"driver": h.config.Database.Driver}
	}

	var err error
	if h.db == nil {
		err = errDatabaseNotInitialized
	} else if sqlDB, derr := h.db.DB(); derr != nil {
		err = derr
	} else {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()

	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		response.Services["database"] = info
		h.logger.Warnf("health: database check failed: %v", err)
		return false
	}
	info.Status = "healthy"
	response.Services["database"] = info
	return true
}

func (h *HealthHandler) checkMailer(response *HealthResponse) bool {
	if h.breaker == nil {
		response.Services["mailer"] = ServiceInfo{Status: "healthy", Details: map[string]interface{}{"circuit_breaker": "disabled"}}
		return true
	}
	state := h.breaker.State()
	info := ServiceInfo{Status: "healthy", Details: h.breaker.Stats()}
	if state == mailer.BreakerOpen {
		info.Status = "degraded"
		info.Error = "mail transport circuit is open"
	}
	response.Services["mailer"] = info
	return info.Status == "healthy"
}
