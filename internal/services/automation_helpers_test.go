package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"triggerflow/internal/models"
	"triggerflow/pkg/mailer"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type sentMessage struct {
	To      string
	Subject string
	Body    string
}

// fakeTransport 记录发送的邮件，可按收件人注入失败
type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMessage
	failTo map[string]error
	delay  time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failTo: map[string]error{}}
}

func (f *fakeTransport) SendMessage(_ context.Context, to, subject, body string) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failTo[to]; ok {
		return "", err
	}
	f.sent = append(f.sent, sentMessage{To: to, Subject: subject, Body: body})
	return fmt.Sprintf("<msg-%d@test>", len(f.sent)), nil
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

var _ mailer.Transport = (*fakeTransport)(nil)

type automationFixture struct {
	db        *gorm.DB
	svc       *AutomationService
	queue     *GormDispatchQueue
	executor  *DispatchExecutor
	transport *fakeTransport
	now       time.Time
}

// newAutomationFixture wires the engine against sqlite with synchronous
// immediate dispatch and a fixed clock.
func newAutomationFixture(t *testing.T) *automationFixture {
	t.Helper()
	db := newAutomationTestDB(t)
	log := quietLogger()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	transport := newFakeTransport()
	queue := NewGormDispatchQueue(db)
	executor := NewDispatchExecutor(queue, NewTemplateService(db), transport, log)
	executor.SetClock(clock)

	svc := NewAutomationService(db, queue, executor, log)
	svc.SetClock(clock)
	svc.SetAsyncImmediate(false)

	return &automationFixture{db: db, svc: svc, queue: queue, executor: executor, transport: transport, now: now}
}

func (f *automationFixture) template(t *testing.T, subject, body string) uint {
	t.Helper()
	tpl, err := NewTemplateService(f.db).CreateTemplate(context.Background(), &TemplateRequest{
		Name:    fmt.Sprintf("tpl-%d", time.Now().UnixNano()),
		Subject: subject,
		Body:    body,
	})
	require.NoError(t, err)
	return tpl.ID
}

// rule inserts a rule directly, bypassing request validation.
func (f *automationFixture) rule(t *testing.T, r models.AutomationRule) *models.AutomationRule {
	t.Helper()
	if r.Name == "" {
		r.Name = "rule"
	}
	if r.TriggerType == "" {
		r.TriggerType = models.TriggerContactCreated
	}
	require.NoError(t, f.db.Create(&r).Error)
	return &r
}

func conditionTree(root models.ConditionSpec, additional ...models.ConditionSpec) datatypes.JSONType[models.ConditionTree] {
	return datatypes.NewJSONType(models.ConditionTree{Root: root, Additional: additional})
}

func recipients(kind string, cfg models.RecipientConfig) datatypes.JSONType[models.RecipientSpec] {
	return datatypes.NewJSONType(models.RecipientSpec{Kind: kind, Config: cfg})
}

func (f *automationFixture) logs(t *testing.T) []models.DispatchLogEntry {
	t.Helper()
	var logs []models.DispatchLogEntry
	require.NoError(t, f.db.Order("id ASC").Find(&logs).Error)
	return logs
}
