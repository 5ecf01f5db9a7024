package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"triggerflow/internal/config"
	"triggerflow/internal/services"
	"triggerflow/pkg/mailer"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// openDatabase 按配置连接 postgres 或 sqlite，并设置连接池
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(level)}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Database.Driver) {
	case "", "postgres", "postgresql":
		dialector = postgres.Open(cfg.Database.DSN())
	case "sqlite", "sqlite3":
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.Database.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logrus.Warnf("gorm tracing plugin: %v", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

// buildTransport returns the configured transport and, when enabled, the
// circuit breaker wrapping it.
func buildTransport(cfg *config.Config, log *logrus.Logger) (mailer.Transport, *mailer.BreakerTransport, func(), error) {
	var (
		transport mailer.Transport
		closer    = func() {}
	)
	switch strings.ToLower(cfg.Mail.Transport) {
	case "smtp":
		smtpCfg := cfg.Mail.SMTP
		t, err := mailer.NewSMTPTransport(mailer.SMTPOptions{
			Host:               smtpCfg.Host,
			Port:               smtpCfg.Port,
			Username:           smtpCfg.Username,
			Password:           smtpCfg.Password,
			From:               cfg.Mail.From,
			ReplyTo:            cfg.Mail.ReplyTo,
			Connections:        smtpCfg.Connections,
			SendTimeout:        smtpCfg.SendTimeout,
			InsecureSkipVerify: smtpCfg.InsecureSkipVerify,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		transport, closer = t, t.Close
	case "bridge":
		t, err := mailer.NewBridgeTransport(mailer.BridgeOptions{
			URL:     cfg.Mail.Bridge.URL,
			APIKey:  cfg.Mail.Bridge.APIKey,
			Timeout: cfg.Mail.Bridge.Timeout,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		transport = t
	case "", "log":
		transport = mailer.NewLogTransport(log)
	default:
		return nil, nil, nil, fmt.Errorf("unsupported mail transport %q", cfg.Mail.Transport)
	}

	cb := cfg.Mail.CircuitBreaker
	if !cb.Enabled {
		return transport, nil, closer, nil
	}
	breaker := mailer.NewBreakerTransport(transport, mailer.BreakerOptions{
		MaxFailures:     cb.MaxFailures,
		ResetTimeout:    cb.ResetTimeout,
		HalfOpenMaxReqs: cb.HalfOpenMaxReqs,
	})
	return breaker, breaker, closer, nil
}

// engine 组装好的自动化引擎
type engine struct {
	db        *gorm.DB
	templates *services.TemplateService
	queue     *services.GormDispatchQueue
	executor  *services.DispatchExecutor
	service   *services.AutomationService
	sweeper   *services.DispatchSweeper
	contacts  *services.ContactService
	events    *services.DispatchEventHub
	breaker   *mailer.BreakerTransport
	close     func()
}

func buildEngine(cfg *config.Config, log *logrus.Logger) (*engine, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	transport, breaker, closer, err := buildTransport(cfg, log)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	ac := cfg.Automation
	templates := services.NewTemplateService(db)
	queue := services.NewGormDispatchQueue(db)
	events := services.NewDispatchEventHub(log)

	executor := services.NewDispatchExecutor(queue, templates, transport, log)
	executor.SetWorkers(ac.DispatchWorkers)
	executor.SetEventHub(events)

	svc := services.NewAutomationService(db, queue, executor, log)
	svc.SetTemplateStore(templates)
	svc.SetAsyncImmediate(ac.AsyncImmediate)
	svc.SetProcessTimeout(ac.ProcessTimeout)

	sweeper := services.NewDispatchSweeper(queue, executor, services.SweeperOptions{
		Interval:          ac.SweepInterval,
		BatchSize:         ac.SweepBatchSize,
		StaleClaimTimeout: ac.StaleClaimTimeout,
	}, log)

	contacts := services.NewContactService(db, log)
	contacts.SetAutomation(svc)

	return &engine{
		db:        db,
		templates: templates,
		queue:     queue,
		executor:  executor,
		service:   svc,
		sweeper:   sweeper,
		contacts:  contacts,
		events:    events,
		breaker:   breaker,
		close: func() {
			closer()
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}, nil
}

// loadRuntime 加载配置并初始化日志，供各子命令共用
func loadRuntime() (*config.Config, *logrus.Logger) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	return cfg, logrus.StandardLogger()
}

const shutdownTimeout = 30 * time.Second
