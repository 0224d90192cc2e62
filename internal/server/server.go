// Package server wires the build service together and serves it over HTTP.
//
// Routes:
//
//	GET  /health                 service status and build counters
//	GET  /built/{id}/{path...}   published artifacts
//	POST /shared                 store a document, returns its code
//	GET  /shared/{code}          fetch a shared document
//	GET  /ws                     build session
//	GET  /ws/hotreload           hot-reload session for thin editors
//	GET  /ws/preview/{id}        hot-reload feed for the pages of a build
//	GET  /hotreload.js           bridge script injected into published pages
//	GET  /                       redirect to the documentation
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/playground/internal/artifacts"
	"github.com/conneroisu/playground/internal/build"
	"github.com/conneroisu/playground/internal/config"
	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/liveness"
	"github.com/conneroisu/playground/internal/logging"
	"github.com/conneroisu/playground/internal/middleware"
	"github.com/conneroisu/playground/internal/share"
	"github.com/conneroisu/playground/internal/version"
	"github.com/conneroisu/playground/internal/watcher"
	pwebsocket "github.com/conneroisu/playground/internal/websocket"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	templateDebounce  = 300 * time.Millisecond
	shareCacheTTL     = time.Hour
)

// Server owns every long-running component of the service.
type Server struct {
	cfg    *config.Config
	logger logging.Logger

	worker       *build.Worker
	queue        *build.Queue
	ids          *build.IDs
	store        *artifacts.Store
	cleaner      *artifacts.Cleaner
	shares       share.Store
	limiter      *RateLimiter
	shareLimiter *RateLimiter
	liveness     *liveness.Controller
	hub          *pwebsocket.Hub
	watcher      *watcher.FileWatcher

	clientIP      func(*http.Request) string
	acceptOptions *websocket.AcceptOptions
	handler       http.Handler

	// lifetime is cancelled when Run returns; hijacked connections do not
	// see http.Server.Shutdown.
	lifetime     context.Context
	stopSessions context.CancelFunc
}

// New builds a server from cfg. The template project must exist; its
// fingerprint seeds the artifact ids.
func New(cfg *config.Config, logger logging.Logger) (*Server, error) {
	logger = logging.OrNop(logger)

	schema, err := build.NewSchema()
	if err != nil {
		return nil, errors.WrapInternal(err, "toolchain output schema does not compile")
	}

	ids, err := build.NewIDs(cfg.Build.TemplatePath, cfg.Build.ToolVersion, cfg.Build.Args)
	if err != nil {
		return nil, errors.WrapIO(err, "fingerprint template")
	}

	store, err := artifacts.NewStore(cfg.Artifacts.BuiltPath, logger)
	if err != nil {
		return nil, err
	}

	worker := build.NewWorker(build.WorkerConfig{
		TemplatePath: cfg.Build.TemplatePath,
		ScratchPath:  cfg.Build.ScratchPath,
		ArtifactRoot: store.Root(),
		Command:      cfg.Build.Command,
		Args:         cfg.Build.Args,
		PatchArgs:    cfg.Build.PatchArgs,
		OutputDir:    cfg.Build.OutputDir,
		Timeout:      cfg.Build.Timeout,
	}, schema, build.NewBuildMetrics(), logger)
	queue := build.NewQueue(worker, logger)

	shares, err := openShareStore(cfg.Share, logger)
	if err != nil {
		return nil, err
	}

	fw, err := watcher.NewFileWatcher(templateDebounce, logger)
	if err != nil {
		_ = shares.Close()

		return nil, errors.WrapIO(err, "create template watcher")
	}
	fw.AddFilter(watcher.NoTargetFilter)
	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(watcher.NoEditorTempFilter)
	if err := fw.AddRecursive(cfg.Build.TemplatePath); err != nil {
		_ = fw.Stop()
		_ = shares.Close()

		return nil, errors.WrapIO(err, "watch template")
	}

	lifetime, stopSessions := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger.WithComponent("server"),
		worker: worker,
		queue:  queue,
		ids:    ids,
		store:  store,
		cleaner: artifacts.NewCleaner(store, worker, artifacts.CleanerConfig{
			Budget:       cfg.Artifacts.MaxBuiltDirSize,
			TargetBudget: cfg.Build.MaxTargetDirSize,
			Interval:     cfg.Artifacts.CleanInterval,
			Preserved:    cfg.Artifacts.PreservedIDs,
		}, logger),
		shares:        shares,
		limiter:       NewRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.Rate, logger),
		shareLimiter:  NewRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.Rate, logger),
		liveness:      liveness.NewController(cfg.Liveness.IdleDelay(), cfg.Liveness.CheckInterval, queue, logger),
		hub:           pwebsocket.NewHub(cfg.Server.AllowedOrigins, logger),
		watcher:       fw,
		clientIP:      ClientIP(cfg.Server.Production),
		acceptOptions: &websocket.AcceptOptions{OriginPatterns: cfg.Server.AllowedOrigins},
		lifetime:      lifetime,
		stopSessions:  stopSessions,
	}
	fw.AddHandler(s.handleTemplateChange)
	s.handler = s.routes()

	return s, nil
}

func openShareStore(cfg config.ShareConfig, logger logging.Logger) (share.Store, error) {
	var store share.Store
	if cfg.GistAuthToken != "" {
		store = share.NewGistStore("", cfg.GistAuthToken, logger)
	} else {
		sqlite, err := share.OpenSQLite(cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		store = sqlite
	}
	if cfg.CacheSize > 0 {
		store = share.NewCachedStore(store, share.NewCache(cfg.CacheSize, shareCacheTTL))
	}

	return store, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/built/", s.store.Handler("/built/"))

	shares := share.NewHandler(s.shares, "/shared", s.cfg.Share.MaxSize, s.logger)
	limitedShares := RateLimitMiddleware(s.shareLimiter, s.clientIP)(shares)
	shareHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			limitedShares.ServeHTTP(w, r)

			return
		}
		shares.ServeHTTP(w, r)
	})
	mux.Handle("/shared", shareHandler)
	mux.Handle("/shared/", shareHandler)

	mux.HandleFunc("GET /ws", s.handleBuildSocket)
	mux.HandleFunc("GET /ws/hotreload", s.handleHotReloadSocket)
	mux.HandleFunc("GET /ws/preview/{id}", s.handlePreviewSocket)
	mux.HandleFunc("GET /hotreload.js", s.handleHotReloadScript)
	mux.HandleFunc("/", s.handleRoot)

	secConfig := DefaultSecurityConfig()
	if s.cfg.Server.Production {
		secConfig = ProductionSecurityConfig()
	}

	return middleware.NewChain(
		middleware.Logging(s.logger),
		s.liveness.Middleware,
		SecurityMiddleware(secConfig),
		middleware.CORS(s.cfg.Server.AllowedOrigins),
	).Apply(mux)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on ln until ctx is cancelled or the liveness controller decides
// the process is idle. It returns after every component stopped.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.stopSessions()

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info(gctx, "Listening", "addr", ln.Addr().String(), "version", version.GetShortVersion())
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.stopSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return ignoreCancel(s.queue.Run(gctx)) })
	g.Go(func() error { return s.cleaner.Run(gctx) })
	g.Go(func() error { return s.limiter.Run(gctx) })
	g.Go(func() error { return s.shareLimiter.Run(gctx) })
	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error { return s.liveness.Run(gctx, cancel) })
	if err := s.watcher.Start(gctx); err != nil {
		s.logger.Error(gctx, err, "Failed to start template watcher")
		g.Go(func() error { return errors.WrapIO(err, "start template watcher") })
	}
	g.Go(func() error {
		<-gctx.Done()

		return s.watcher.Stop()
	})

	err := g.Wait()
	if cerr := s.shares.Close(); cerr != nil {
		s.logger.Warn(context.Background(), cerr, "Failed to close share store")
	}
	s.logger.Info(context.Background(), "Server stopped")

	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// sessionContext derives a context for a hijacked connection that ends with
// the request or the server, whichever comes first.
func (s *Server) sessionContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.lifetime, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) handleTemplateChange(ctx context.Context, events []watcher.ChangeEvent) error {
	if err := s.ids.Refresh(); err != nil {
		s.logger.Warn(ctx, err, "Failed to refresh template fingerprint")

		return err
	}
	s.logger.Info(ctx, "Template changed",
		"changes", len(events),
		"fingerprint", s.ids.Fingerprint().String())

	return nil
}

func (s *Server) handleBuildSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions)
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote_addr", r.RemoteAddr)

		return
	}
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := s.sessionContext(r)
	defer cancel()

	sess := &session{
		conn:    conn,
		ip:      s.clientIP(r),
		queue:   s.queue,
		ids:     s.ids.For,
		limiter: s.limiter,
		logger:  s.logger.WithComponent("session"),
	}
	sess.run(ctx)
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status       string             `json:"status"`
	Version      string             `json:"version"`
	QueueIdle    bool               `json:"queue_idle"`
	QueueWaiting int                `json:"queue_waiting"`
	Builds       build.BuildMetrics `json:"builds"`
	CacheHitRate float64            `json:"cache_hit_rate"`
	Fingerprint  string             `json:"fingerprint"`
	ShareCache   *ShareCacheStatus  `json:"share_cache,omitempty"`
}

// ShareCacheStatus reports the share read cache.
type ShareCacheStatus struct {
	Documents int     `json:"documents"`
	Bytes     int64   `json:"bytes"`
	HitRate   float64 `json:"hit_rate"`
	Evictions int64   `json:"evictions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := s.worker.Metrics()
	status := HealthStatus{
		Status:       "ok",
		Version:      version.GetVersion(),
		QueueIdle:    s.queue.Idle(),
		QueueWaiting: s.queue.Waiting(),
		Builds:       metrics.GetSnapshot(),
		CacheHitRate: metrics.GetCacheHitRate(),
		Fingerprint:  s.ids.Fingerprint().String(),
	}
	if cached, ok := s.shares.(*share.CachedStore); ok {
		cache := cached.Cache()
		status.ShareCache = &ShareCacheStatus{
			Documents: cache.Len(),
			Bytes:     cache.Size(),
			HitRate:   cache.HitRate(),
			Evictions: cache.Evictions(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(&status); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to write health status")
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)

		return
	}
	http.Redirect(w, r, s.cfg.Server.DocsURL, http.StatusPermanentRedirect)
}
