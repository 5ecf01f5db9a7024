package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"triggerflow/internal/config"
	"triggerflow/internal/handlers"
	"triggerflow/internal/middleware"
	"triggerflow/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the HTTP API and the dispatch sweeper",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log := loadRuntime()

	// OpenTelemetry 初始化（可选）
	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		log.Warnf("init tracing: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go eng.events.Run(ctx)
	if cfg.Automation.SweepEnabled {
		eng.sweeper.Start(ctx)
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: setupRouter(cfg, eng, log),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
		if listenErr != nil {
			log.Errorf("Server failed: %v", listenErr)
		}
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	eng.sweeper.Stop()
	// 等待触发时启动的即时投递完成
	eng.service.Wait()

	log.Info("Server exited")
	return listenErr
}

func setupRouter(cfg *config.Config, eng *engine, log *logrus.Logger) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Security.CORS))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	health := handlers.NewHealthHandler(cfg, eng.db, eng.breaker, Version)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)

	api := router.Group("/api/v1")
	{
		automation := handlers.NewAutomationHandler(eng.service, eng.sweeper, eng.events, log)
		handlers.RegisterAutomationRoutes(api, automation, middleware.RateLimitMiddleware(cfg, "triggers"))

		templates := handlers.NewTemplateHandler(eng.templates, log)
		handlers.RegisterTemplateRoutes(api, templates)

		contacts := handlers.NewContactHandler(eng.contacts, log)
		handlers.RegisterContactRoutes(api, contacts)
	}

	return router
}
