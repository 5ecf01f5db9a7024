package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"triggerflow/internal/config"
	"triggerflow/internal/middleware"
	"triggerflow/internal/models"
	"triggerflow/internal/services"
	"triggerflow/pkg/mailer"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type memTransport struct {
	mu   sync.Mutex
	sent []string
}

func (m *memTransport) SendMessage(_ context.Context, to, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to)
	return fmt.Sprintf("<%d@test>", len(m.sent)), nil
}

func (m *memTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testServer struct {
	router    *gin.Engine
	db        *gorm.DB
	transport *memTransport
}

func newTestServer(t *testing.T, rl config.RateLimitingConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	log := logrus.New()
	log.SetOutput(io.Discard)

	transport := &memTransport{}
	queue := services.NewGormDispatchQueue(db)
	templates := services.NewTemplateService(db)
	executor := services.NewDispatchExecutor(queue, templates, transport, log)
	svc := services.NewAutomationService(db, queue, executor, log)
	svc.SetAsyncImmediate(false)
	sweeper := services.NewDispatchSweeper(queue, executor, services.SweeperOptions{BatchSize: 50}, log)
	contacts := services.NewContactService(db, log)
	contacts.SetAutomation(svc)

	r := gin.New()
	api := r.Group("/api/v1")
	RegisterAutomationRoutes(api, NewAutomationHandler(svc, sweeper, nil, log), middleware.NewRateLimiter(rl, "triggers").Middleware())
	RegisterTemplateRoutes(api, NewTemplateHandler(templates, log))
	RegisterContactRoutes(api, NewContactHandler(contacts, log))

	health := NewHealthHandler(config.GetDefaultConfig(), db, nil, "test")
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	return &testServer{router: r, db: db, transport: transport}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.1.1.1:5000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (s *testServer) createTemplate(t *testing.T) uint {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/templates", map[string]string{
		"name": "welcome", "subject": "Welcome {{name}}", "body": "Score {{leadScore}}",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tpl models.EmailTemplate
	decode(t, w, &tpl)
	return tpl.ID
}

func ruleBody(templateID uint) map[string]interface{} {
	return map[string]interface{}{
		"name":         "Hot lead",
		"trigger_type": "contact_created",
		"conditions": map[string]interface{}{
			"root": map[string]interface{}{"field": "leadScore", "operator": "greater_than", "value": 10},
		},
		"template_id": templateID,
		"recipients": map[string]interface{}{
			"kind":   "custom",
			"config": map[string]interface{}{"custom_emails": []string{"ops@example.com"}},
		},
		"delay": map[string]interface{}{"unit": "immediate"},
	}
}

func TestAutomationHandler_RuleLifecycle(t *testing.T) {
	s := newTestServer(t, config.RateLimitingConfig{})
	tplID := s.createTemplate(t)

	w := s.do(t, http.MethodPost, "/api/v1/automations", ruleBody(tplID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule models.AutomationRule
	decode(t, w, &rule)
	assert.True(t, rule.IsActive)
	ruleURL := fmt.Sprintf("/api/v1/automations/%d", rule.ID)

	w = s.do(t, http.MethodGet, ruleURL, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/automations?page=1&page_size=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 1, page.Pages)

	update := ruleBody(tplID)
	update["name"] = "Renamed"
	w = s.do(t, http.MethodPut, ruleURL, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &rule)
	assert.Equal(t, "Renamed", rule.Name)

	w = s.do(t, http.MethodPost, ruleURL+"/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &rule)
	assert.False(t, rule.IsActive)

	w = s.do(t, http.MethodPost, ruleURL+"/toggle", map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &rule)
	assert.True(t, rule.IsActive)

	w = s.do(t, http.MethodDelete, "/api/v1/templates/"+fmt.Sprint(tplID), nil)
	assert.Equal(t, http.StatusConflict, w.Code, "template still referenced")

	w = s.do(t, http.MethodDelete, ruleURL, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, ruleURL, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_CreateValidation(t *testing.T) {
	s := newTestServer(t, config.RateLimitingConfig{})
	tplID := s.createTemplate(t)

	tests := []struct {
		name   string
		mutate func(b map[string]interface{})
	}{
		{"unknown operator", func(b map[string]interface{}) {
			b["conditions"] = map[string]interface{}{"root": map[string]interface{}{"field": "x", "operator": "regex", "value": "a"}}
		}},
		{"unsupported trigger", func(b map[string]interface{}) { b["trigger_type"] = "order_placed" }},
		{"missing name", func(b map[string]interface{}) { delete(b, "name") }},
		{"unknown template", func(b map[string]interface{}) { b["template_id"] = 999 }},
		{"bad recipients", func(b map[string]interface{}) { b["recipients"] = map[string]interface{}{"kind": "contacts_by_tag"} }},
		{"bad delay", func(b map[string]interface{}) { b["delay"] = map[string]interface{}{"unit": "years", "value": 1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ruleBody(tplID)
			tt.mutate(body)
			w := s.do(t, http.MethodPost, "/api/v1/automations", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := s.do(t, http.MethodGet, "/api/v1/automations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_TriggerLogsAndStats(t *testing.T) {
	s := newTestServer(t, config.RateLimitingConfig{})
	tplID := s.createTemplate(t)
	w := s.do(t, http.MethodPost, "/api/v1/automations", ruleBody(tplID))
	require.Equal(t, http.StatusCreated, w.Code)
	var rule models.AutomationRule
	decode(t, w, &rule)

	w = s.do(t, http.MethodPost, "/api/v1/automations/triggers", map[string]interface{}{
		"trigger_type": "contact_created",
		"entity_type":  "contact",
		"entity_id":    "7",
		"payload":      map[string]interface{}{"leadScore": 20, "name": "Jane"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		Result services.TriggerResult `json:"result"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Result.EntriesCreated)
	assert.Equal(t, 1, s.transport.count())

	w = s.do(t, http.MethodGet, "/api/v1/automations/logs?status=sent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/automations/%d/logs", rule.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)

	w = s.do(t, http.MethodGet, "/api/v1/automations/logs?from=not-a-date", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/automations/%d/stats", rule.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats services.RuleStats
	decode(t, w, &stats)
	assert.Equal(t, int64(1), stats.TriggerCount)
	assert.Equal(t, int64(1), stats.ByStatus["sent"])

	w = s.do(t, http.MethodPost, "/api/v1/automations/triggers", map[string]interface{}{"trigger_type": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/automations/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAutomationHandler_TriggerRateLimited(t *testing.T) {
	s := newTestServer(t, config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	body := map[string]interface{}{"trigger_type": "custom"}

	w := s.do(t, http.MethodPost, "/api/v1/automations/triggers", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/automations/triggers", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/automations", nil)
	assert.Equal(t, http.StatusOK, w.Code, "only the ingress is limited")
}

func TestAutomationHandler_SweepAndTest(t *testing.T) {
	s := newTestServer(t, config.RateLimitingConfig{})
	tplID := s.createTemplate(t)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.db.Create(&models.DispatchLogEntry{
		AutomationID: 1, TemplateID: tplID, RecipientEmail: "late@example.com",
		Status: models.DispatchPending, ScheduledFor: past,
	}).Error)

	w := s.do(t, http.MethodPost, "/api/v1/automations/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sweep services.SweepResult
	decode(t, w, &sweep)
	assert.Equal(t, 1, sweep.Sent)

	w = s.do(t, http.MethodPost, "/api/v1/automations/test", map[string]interface{}{
		"rule":    ruleBody(tplID),
		"payload": map[string]interface{}{"leadScore": 30},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res services.TestRuleResult
	decode(t, w, &res)
	assert.True(t, res.Matched)
	require.NotNil(t, res.Preview)
	assert.Equal(t, "Score 30", res.Preview.Body)
	assert.Equal(t, 1, s.transport.count(), "dry run sends nothing")
}

func TestContactHandler_CreateFiresAutomation(t *testing.T) {
	s := newTestServer(t, config.RateLimitingConfig{})
	tplID := s.createTemplate(t)
	w := s.do(t, http.MethodPost, "/api/v1/automations", ruleBody(tplID))
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/contacts", map[string]interface{}{
		"name": "Jane", "email": "jane@example.com",
		"attributes": map[string]interface{}{"leadScore": 50},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1, s.transport.count())

	w = s.do(t, http.MethodPost, "/api/v1/contacts", map[string]interface{}{"name": "No Email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/contacts/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, config.RateLimitingConfig{})

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Services["database"].Status)

	w = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	breaker := mailer.NewBreakerTransport(&memTransport{}, mailer.BreakerOptions{})
	h := NewHealthHandler(nil, nil, breaker, "test")
	r := gin.New()
	r.GET("/health", h.Health)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no database is unhealthy")
}
