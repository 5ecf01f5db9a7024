package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"triggerflow/internal/config"
	"triggerflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "data", "triggerflow.db")
	cfg.Database.MaxOpenConns = 1
	cfg.Mail.Transport = "log"
	cfg.Automation.AsyncImmediate = false
	cfg.Security.RateLimiting.Enabled = false
	return cfg
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBuildTransport(t *testing.T) {
	log := testLogger()

	cfg := config.GetDefaultConfig()
	cfg.Mail.Transport = "log"
	transport, breaker, closer, err := buildTransport(cfg, log)
	require.NoError(t, err)
	require.NotNil(t, breaker)
	assert.Equal(t, transport, breaker)
	closer()

	cfg.Mail.CircuitBreaker.Enabled = false
	_, breaker, _, err = buildTransport(cfg, log)
	require.NoError(t, err)
	assert.Nil(t, breaker)

	cfg.Mail.Transport = "pigeon"
	_, _, _, err = buildTransport(cfg, log)
	assert.Error(t, err)

	cfg.Mail.Transport = "bridge"
	cfg.Mail.Bridge.URL = ""
	_, _, _, err = buildTransport(cfg, log)
	assert.Error(t, err)
}

func TestOpenDatabase_UnknownDriver(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "oracle"
	_, err := openDatabase(cfg)
	assert.Error(t, err)
}

func TestRouter_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	log := testLogger()

	eng, err := buildEngine(cfg, log)
	require.NoError(t, err)
	t.Cleanup(eng.close)
	require.NoError(t, models.Migrate(eng.db))

	router := setupRouter(cfg, eng, log)
	do := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/automations", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(http.MethodPost, "/api/v1/templates", map[string]string{"name": "welcome", "subject": "Hi {{name}}", "body": "Welcome"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tpl models.EmailTemplate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tpl))

	w = do(http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":         "Welcome new contacts",
		"trigger_type": "contact_created",
		"template_id":  tpl.ID,
		"recipients":   map[string]interface{}{"kind": "contact"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(http.MethodPost, "/api/v1/contacts", map[string]interface{}{"name": "Ada", "email": "ada@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sent int64
	require.NoError(t, eng.db.Model(&models.DispatchLogEntry{}).Where("status = ?", models.DispatchSent).Count(&sent).Error)
	assert.Equal(t, int64(1), sent)
}
