package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	domainauth "framecast-server-go/internal/domain/auth"
	"framecast-server-go/internal/domain/eventbus"
	eventinfra "framecast-server-go/internal/domain/eventbus/infrastructure"
	eventrepo "framecast-server-go/internal/domain/eventbus/repository"
	domainimage "framecast-server-go/internal/domain/image"
	imagestore "framecast-server-go/internal/domain/image/store"
	platformconfig "framecast-server-go/internal/platform/config"
	platformerrors "framecast-server-go/internal/platform/errors"
	platformlogging "framecast-server-go/internal/platform/logging"
	platformobservability "framecast-server-go/internal/platform/observability"
	platformstorage "framecast-server-go/internal/platform/storage"
	httptransport "framecast-server-go/internal/transport/http"
	httpauthapi "framecast-server-go/internal/transport/http/authapi"
	httpimages "framecast-server-go/internal/transport/http/images"
	httpsystem "framecast-server-go/internal/transport/http/system"
	"framecast-server-go/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/swaggo/swag"
	"golang.org/x/sync/errgroup"
)

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	config                *platformconfig.Config
	configPath            string
	logger                *platformlogging.Logger
	slogger               *slog.Logger
	observabilityShutdown platformobservability.ShutdownFunc
	store                 domainimage.Store
	journal               eventrepo.EventRepository
	hub                   *ws.Hub
	ingestor              *domainimage.Ingestor
	tokens                *domainauth.TokenManager
}

// Run drives the whole server lifecycle: configuration, dependency
// initialisation, transport startup and graceful shutdown.
func Run(ctx context.Context) error {
	state := &appState{}

	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		return err
	}

	config := state.config
	logger := state.logger
	if config == nil || logger == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"config/logger not initialised",
		)
	}
	if state.store == nil || state.hub == nil || state.ingestor == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"pipeline not initialised",
		)
	}

	logBootstrapGraph(logger, steps)

	if shutdown := state.observabilityShutdown; shutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.WarnTag("Bootstrap", "observability did not shut down cleanly: %v", err)
			}
		}()
	}

	defer func() {
		if err := state.store.Close(); err != nil {
			logger.WarnTag("Store", "store did not close cleanly: %v", err)
		}
	}()
	defer eventbus.Shutdown()

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	if err := startServices(state, group, groupCtx); err != nil {
		cancel()
		return err
	}

	if err := waitForShutdown(signalCtx, cancel, logger, group); err != nil {
		return err
	}

	logger.InfoTag("Bootstrap", "server stopped cleanly")
	logger.Close()
	return nil
}

func logBootstrapGraph(logger *platformlogging.Logger, steps []initStep) {
	if logger == nil {
		return
	}
	logger.InfoTag("Bootstrap", "initialisation order")
	for _, step := range steps {
		deps := "-"
		if len(step.DependsOn) > 0 {
			deps = strings.Join(step.DependsOn, ", ")
		}
		logger.InfoTag("Bootstrap", "  %s (%s) after: %s", step.ID, step.Title, deps)
	}
	logger.InfoTag("Bootstrap", "starting services")
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

// InitGraph lists every initialisation step in dependency order. The graph is
// data so tests can verify ordering without running the steps.
func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init",
			Title:     "Initialise logging",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "observability:setup",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "storage:init",
			Title:     "Initialise database",
			DependsOn: []string{"config:load", "logging:init"},
			Kind:      platformerrors.KindStore,
			Execute:   initStorageStep,
		},
		{
			ID:        "store:init",
			Title:     "Initialise image store",
			DependsOn: []string{"storage:init"},
			Kind:      platformerrors.KindStore,
			Execute:   initStoreStep,
		},
		{
			ID:        "ingest:init",
			Title:     "Initialise ingestion pipeline",
			DependsOn: []string{"store:init"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initIngestStep,
		},
		{
			ID:        "hub:init",
			Title:     "Initialise broadcast hub",
			DependsOn: []string{"store:init"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initHubStep,
		},
		{
			ID:        "auth:init",
			Title:     "Initialise token manager",
			DependsOn: []string{"config:load", "logging:init"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initAuthStep,
		},
		{
			ID:        "events:wire",
			Title:     "Wire event handlers",
			DependsOn: []string{"hub:init", "storage:init"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   wireEventsStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	result, err := platformconfig.NewLoader().Load()
	if err != nil {
		return err
	}
	state.config = result.Config
	state.configPath = result.Path
	if state.configPath == "" {
		state.configPath = "defaults"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init",
			"config not loaded",
		)
	}

	logger, err := platformlogging.NewLogger(&platformlogging.LogCfg{
		LogLevel: state.config.Log.Level,
		LogDir:   state.config.Log.Dir,
		LogFile:  state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init", "failed to initialise logging", err)
	}

	state.logger = logger
	state.slogger = logger.Slog()

	logger.InfoTag("Bootstrap", "logging ready [%s] config=%s", state.config.Log.Level, state.configPath)
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state == nil || state.logger == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup",
			"config/logger not initialised",
		)
	}

	slogger := state.slogger
	if slogger == nil {
		slogger = state.logger.Slog()
	}

	cfg := platformobservability.Config{
		Enabled: state.config.Observability.Enabled || strings.EqualFold(state.config.Log.Level, "debug"),
	}

	shutdown, err := platformobservability.Setup(ctx, cfg, slogger)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown

	return nil
}

// initStorageStep opens the relational database. Only the sqlite store driver
// needs it; the step is a no-op for memory and redis deployments, which also
// run without an event journal.
func initStorageStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"storage:init",
			"config not loaded",
		)
	}

	if !strings.EqualFold(state.config.Store.Driver, imagestore.DriverSQLite) {
		return nil
	}

	if err := platformstorage.InitDatabase(state.config.Store.SQLite.Path); err != nil {
		return platformerrors.Wrap(platformerrors.KindStore, "storage:init", "failed to initialise database", err)
	}

	state.journal = eventinfra.NewEventRepository(platformstorage.GetDB())
	state.logger.InfoTag("Store", "database ready at %s", state.config.Store.SQLite.Path)
	return nil
}

func initStoreStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"store:init",
			"config not loaded",
		)
	}

	storeCfg := imagestore.Config{
		Driver:     strings.ToLower(strings.TrimSpace(state.config.Store.Driver)),
		MaxHistory: state.config.Store.MaxHistory,
		Namespace:  state.config.Store.Redis.Namespace,
		Redis: &imagestore.RedisConfig{
			Addr:     state.config.Store.Redis.Addr,
			Username: state.config.Store.Redis.Username,
			Password: state.config.Store.Redis.Password,
			DB:       state.config.Store.Redis.DB,
		},
	}

	deps := imagestore.Dependencies{}
	if storeCfg.Driver == imagestore.DriverSQLite {
		deps.SQLiteDB = platformstorage.GetDB()
	}

	store, err := imagestore.New(storeCfg, deps)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindStore, "store:init", "failed to create image store", err)
	}

	state.store = store
	state.logger.InfoTag("Store", "image store ready driver=%s max_history=%d", storeCfg.Driver, storeCfg.MaxHistory)
	return nil
}

func initIngestStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil || state.store == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"ingest:init",
			"store not initialised",
		)
	}

	sec := state.config.Security

	guard := domainimage.NewGuard(domainimage.GuardOptions{
		AllowPrivateNetworks: sec.AllowPrivateNetworks,
		Logger:               state.logger,
	})
	if sec.AllowPrivateNetworks {
		state.logger.WarnTag("Guard", "private network fetches are ENABLED; do not run this in production")
	}

	fetcher, err := domainimage.NewFetcher(domainimage.FetcherOptions{
		Guard:        guard,
		MaxBytes:     sec.MaxPayloadBytes,
		Timeout:      sec.FetchTimeoutDuration(),
		MaxRedirects: sec.MaxRedirects,
		UserAgent:    sec.FetchUserAgent,
		Logger:       state.logger,
	})
	if err != nil {
		return err
	}

	ingestor, err := domainimage.NewIngestor(domainimage.IngestorOptions{
		Store:             state.store,
		Fetcher:           fetcher,
		Logger:            state.logger,
		MaxBytes:          sec.MaxPayloadBytes,
		AllowedFormats:    sec.AllowedFormats,
		EnableFingerprint: sec.EnableFingerprint,
	})
	if err != nil {
		return err
	}

	state.ingestor = ingestor
	return nil
}

func initHubStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil || state.store == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"hub:init",
			"store not initialised",
		)
	}

	state.hub = ws.NewHub(ws.HubOptions{
		Store:      state.store,
		Logger:     state.logger,
		Heartbeat:  state.config.Broadcast.HeartbeatIntervalDuration(),
		Liveness:   state.config.Broadcast.LivenessTimeoutDuration(),
		SendBuffer: state.config.Broadcast.SendBuffer,
	})
	return nil
}

func initAuthStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"auth:init",
			"config not loaded",
		)
	}

	if !state.config.Auth.Enabled {
		state.logger.InfoTag("Auth", "ingestion endpoints are open; set auth.enabled to gate them")
		return nil
	}

	tokens, err := domainauth.NewTokenManager(state.config.Auth.Secret, state.config.Auth.TokenTTLDuration())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "auth:init", "failed to create token manager", err)
	}
	state.tokens = tokens
	state.logger.InfoTag("Auth", "bearer token auth enabled ttl=%s", state.config.Auth.TokenTTLDuration())
	return nil
}

// wireEventsStep connects the pipeline stages through the event bus: commits
// reach the hub synchronously so broadcast order matches commit order, while
// log and journal sinks hang off the same topics without touching the
// ingestion path.
func wireEventsStep(_ context.Context, state *appState) error {
	if state == nil || state.hub == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"events:wire",
			"hub not initialised",
		)
	}

	hub := state.hub
	if err := eventbus.Subscribe(eventbus.EventImageCommitted, func(img domainimage.Image) {
		hub.Broadcast(img)
	}); err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "events:wire", "failed to subscribe broadcast handler", err)
	}

	handler := eventbus.NewLogHandler(state.logger)
	journal := state.journal
	logger := state.logger

	writeJournal := func(eventType, subscriberID, imageID string, data interface{}) {
		if journal == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := journal.Store(ctx, eventrepo.Event{
			EventType:    eventType,
			SubscriberID: subscriberID,
			ImageID:      imageID,
			Data:         data,
			CreatedAt:    time.Now().UTC(),
		}); err != nil {
			logger.WarnTag("EventBus", "journal write failed for %s: %v", eventType, err)
		}
	}

	if err := eventbus.Subscribe(eventbus.EventImageCommitted, func(img domainimage.Image) {
		data := eventbus.ImageCommittedData{
			ImageID:    img.ID,
			Seq:        img.Seq,
			SourceType: string(img.SourceType),
			Format:     img.Format,
			SizeBytes:  img.SizeBytes,
			Degraded:   img.Format == domainimage.FormatUnknown || img.Width == 0 || img.Height == 0,
			IngestedAt: img.IngestedAt,
		}
		handler.Handle(eventbus.EventImageCommitted, data)
		writeJournal(eventbus.EventImageCommitted, "", img.ID, data)
	}); err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "events:wire", "failed to subscribe commit sink", err)
	}

	asyncSinks := map[string]interface{}{
		eventbus.EventImageRejected: func(data eventbus.ImageRejectedData) {
			handler.Handle(eventbus.EventImageRejected, data)
			writeJournal(eventbus.EventImageRejected, "", "", data)
		},
		eventbus.EventSubscriberJoined: func(data eventbus.SubscriberEventData) {
			handler.Handle(eventbus.EventSubscriberJoined, data)
			writeJournal(eventbus.EventSubscriberJoined, data.SubscriberID, "", data)
		},
		eventbus.EventSubscriberLeft: func(data eventbus.SubscriberEventData) {
			handler.Handle(eventbus.EventSubscriberLeft, data)
			writeJournal(eventbus.EventSubscriberLeft, data.SubscriberID, "", data)
		},
		eventbus.EventSystemError: func(data eventbus.SystemEventData) {
			handler.Handle(eventbus.EventSystemError, data)
		},
	}
	for topic, fn := range asyncSinks {
		if err := eventbus.SubscribeAsync(topic, fn); err != nil {
			return platformerrors.Wrap(platformerrors.KindBootstrap, "events:wire",
				fmt.Sprintf("failed to subscribe sink for %s", topic), err)
		}
	}

	return nil
}

func startServices(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	if err := startWSServer(state, g, groupCtx); err != nil {
		return fmt.Errorf("failed to start websocket service: %w", err)
	}

	if _, err := startHTTPServer(state, g, groupCtx); err != nil {
		return fmt.Errorf("failed to start http service: %w", err)
	}

	return nil
}

func startWSServer(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	config := state.config
	logger := state.logger

	if !config.Server.WebSocket.Enabled {
		logger.WarnTag("WebSocket", "broadcast plane disabled by configuration")
		return nil
	}

	server := ws.NewServer(config, logger, state.hub)

	g.Go(func() error {
		go func() {
			<-groupCtx.Done()
			if err := server.Stop(); err != nil {
				logger.ErrorTag("WebSocket", "websocket server stop error: %v", err)
			}
		}()

		if err := server.Start(groupCtx); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			logger.ErrorTag("WebSocket", "websocket server failed: %v", err)
			return err
		}
		return nil
	})

	return nil
}

func startHTTPServer(state *appState, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	config := state.config
	logger := state.logger

	var authMiddleware gin.HandlerFunc
	if state.tokens != nil {
		authMiddleware = httptransport.BearerAuth(state.tokens, logger)
	}

	httpRouter, err := httptransport.Build(httptransport.Options{
		Config:         config,
		Logger:         logger,
		AuthMiddleware: authMiddleware,
	})
	if err != nil {
		return nil, err
	}
	router := httpRouter.Engine
	apiGroup := httpRouter.API

	staticDir := config.Web.StaticDir
	if staticDir == "" {
		staticDir = "./web"
	}
	indexPath := filepath.Join(staticDir, "index.html")

	router.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api") {
			c.JSON(http.StatusNotFound, httptransport.APIResponse{
				Success: false,
				Data:    gin.H{},
				Message: "api not found",
				Code:    http.StatusNotFound,
			})
			return
		}

		c.File(indexPath)
	})

	imagesService, err := httpimages.NewService(config, logger, state.ingestor, state.store)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTransport, "images:new-service", "failed to create images service", err)
	}
	if err := imagesService.Register(groupCtx, apiGroup, httpRouter.Secured); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTransport, "images:register", "failed to register image routes", err)
	}

	systemService, err := httpsystem.NewService(config, logger, state.hub, state.store, state.journal)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTransport, "system:new-service", "failed to create system service", err)
	}
	if err := systemService.Register(groupCtx, apiGroup); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTransport, "system:register", "failed to register system routes", err)
	}

	if state.tokens != nil {
		authService, err := httpauthapi.NewService(config, logger, state.tokens)
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindTransport, "auth:new-service", "failed to create auth service", err)
		}
		if err := authService.Register(groupCtx, apiGroup); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindTransport, "auth:register", "failed to register auth routes", err)
		}
	}

	router.GET("/openapi.json", func(c *gin.Context) {
		doc, err := swag.ReadDoc()
		if err != nil {
			logger.ErrorTag("HTTP", "failed to generate OpenAPI document: %v", err)
			c.JSON(http.StatusInternalServerError, httptransport.APIResponse{
				Success: false,
				Data:    gin.H{"error": err.Error()},
				Message: "failed to generate openapi spec",
				Code:    http.StatusInternalServerError,
			})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(doc))
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Server.HTTP.IP, config.Server.HTTP.Port),
		Handler: router,
	}

	g.Go(func() error {
		logger.InfoTag("HTTP", "api listening on http://%s", httpServer.Addr)
		if config.Server.WebSocket.Enabled {
			logger.InfoTag("HTTP", "broadcast endpoint ws://%s:%d/ws",
				config.Server.WebSocket.IP, config.Server.WebSocket.Port)
		}

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("HTTP", "http server shutdown error: %v", err)
			} else {
				logger.InfoTag("HTTP", "http server stopped")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("HTTP", "http server failed: %v", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *platformlogging.Logger,
	g *errgroup.Group,
) error {
	<-ctx.Done()
	logger.InfoTag("Bootstrap", "shutdown requested (%v), draining services", context.Cause(ctx))

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag("Bootstrap", "error during shutdown: %v", err)
			return err
		}
		logger.InfoTag("Bootstrap", "all services stopped")
	case <-time.After(15 * time.Second):
		timeoutErr := errors.New("shutdown timed out")
		logger.ErrorTag("Bootstrap", "shutdown timed out, forcing exit")
		return timeoutErr
	}
	return nil
}

// loadConfigAndLogger runs just the head of the init graph, for tests that
// need a real configuration and logger without the rest of the pipeline.
func loadConfigAndLogger() (*platformconfig.Config, *platformlogging.Logger, error) {
	state := &appState{}

	steps := []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init",
			Title:     "Initialise logging",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
	}

	if err := executeInitSteps(context.Background(), steps, state); err != nil {
		return nil, nil, err
	}

	return state.config, state.logger, nil
}
