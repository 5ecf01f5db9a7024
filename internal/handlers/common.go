package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	pages := int(total) / pageSize
	if int(total)%pageSize != 0 {
		pages++
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// parseID 解析路径中的数字 ID，失败时直接写 400
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

// writeServiceError maps service sentinel errors onto HTTP status codes.
func writeServiceError(c *gin.Context, logger *logrus.Logger, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrRuleNotFound),
		errors.Is(err, services.ErrTemplateNotFound),
		errors.Is(err, services.ErrContactNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRule),
		errors.Is(err, services.ErrUnsupportedTrigger),
		errors.Is(err, services.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrTemplateInUse):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("Failed to %s: %v", action, err)
	}
	c.JSON(status, ErrorResponse{
		Error:   "Failed to " + action,
		Message: err.Error(),
	})
}
