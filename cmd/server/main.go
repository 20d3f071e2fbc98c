// Package main provides the entry point for the proxy server. It wires the
// persisted account pool, session-affinity store, OAuth refresher, quota
// snapshot store, and outbound transport into the fetch orchestrator, then
// fronts it with an HTTP handler.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/codexgate/cliproxy/internal/account"
	"github.com/codexgate/cliproxy/internal/affinity"
	"github.com/codexgate/cliproxy/internal/clockid"
	"github.com/codexgate/cliproxy/internal/config"
	"github.com/codexgate/cliproxy/internal/kvstore"
	"github.com/codexgate/cliproxy/internal/logging"
	"github.com/codexgate/cliproxy/internal/oauthrefresh"
	"github.com/codexgate/cliproxy/internal/orchestrator"
	"github.com/codexgate/cliproxy/internal/quotarefresh"
	"github.com/codexgate/cliproxy/internal/quotastore"
	"github.com/codexgate/cliproxy/internal/selector"
	"github.com/codexgate/cliproxy/internal/store"
	"github.com/codexgate/cliproxy/internal/transport"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}
	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return
	}

	if err := logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Infof("cliproxy version %s, commit %s, built %s", Version, Commit, BuildDate)

	if err := os.MkdirAll(cfg.AuthDir, 0o755); err != nil {
		log.Errorf("failed to create auth dir %q: %v", cfg.AuthDir, err)
		return
	}

	kv := kvstore.New()
	backend, err := buildBackend(cfg.Store)
	if err != nil {
		log.Errorf("failed to initialize store backend %q: %v", cfg.Store.Backend, err)
		return
	}
	kv.Backend = backend

	accounts := account.NewStore(kv, filepath.Join(cfg.AuthDir, "auth.json"), "codex")
	aff, err := affinity.New(kv, filepath.Join(cfg.AuthDir, "session-affinity.json"))
	if err != nil {
		log.Errorf("failed to load session affinity store: %v", err)
		return
	}
	snapshots := quotastore.New(kv, filepath.Join(cfg.AuthDir, "snapshots.json"))
	sel := selector.New(aff, os.Getpid())
	clock := clockid.SystemClock{}
	refresher := oauthrefresh.New(accounts, clock, http.DefaultClient)
	tp := transport.New(transport.Config{ProxyURL: cfg.ProxyURL})

	var reqLogger logging.RequestLogger = logging.NewFileRequestLogger(cfg.RequestLog, filepath.Join(cfg.AuthDir, "logs", "requests"), "", 200)

	orch := orchestrator.New()
	orch.Accounts = accounts
	orch.Selector = sel
	orch.Refresher = refresher
	orch.Snapshots = snapshots
	orch.Transport = tp
	orch.Clock = clock
	orch.MaxAttempts = cfg.MaxAttempts
	orch.ToastSink = func(message, variant string, quiet bool) {
		log.WithField("variant", variant).Info(message)
	}

	coordinator := quotarefresh.New()
	coordinator.Accounts = accounts
	coordinator.Refresher = refresher
	coordinator.Snapshots = snapshots
	coordinator.Transport = tp
	coordinator.Clock = clock
	coordinator.Concurrency = cfg.QuotaRefresh.Concurrency

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.QuotaRefresh.Enabled && cfg.QuotaRefresh.IntervalSeconds > 0 {
		go runQuotaRefreshLoop(ctx, coordinator, time.Duration(cfg.QuotaRefresh.IntervalSeconds)*time.Second)
	}

	stopWatch := watchAuthDir(cfg.AuthDir)
	defer stopWatch()

	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())
	engine.NoRoute(apiKeyGuard(cfg.APIKeys), newForwardHandler(orch, reqLogger))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("listening on %s", srv.Addr)
		if errServe := srv.ListenAndServe(); errServe != nil && errServe != http.ErrServerClosed {
			log.Errorf("server stopped: %v", errServe)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		log.Errorf("graceful shutdown failed: %v", errShutdown)
	}
	if errPersist := aff.Persist(context.Background()); errPersist != nil {
		log.Errorf("failed to persist session affinity on shutdown: %v", errPersist)
	}
}

// buildBackend selects the kvstore.Backend matching cfg.Backend, or returns a
// nil Backend (local file only) when cfg.Backend is empty.
func buildBackend(cfg config.StoreConfig) (kvstore.Backend, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "git":
		return store.NewGitBackend(cfg.Git.RepoDir, cfg.Git.Remote, cfg.Git.Username, cfg.Git.Password), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return store.NewPostgresBackend(ctx, store.PostgresConfig{
			DSN:    cfg.Postgres.DSN,
			Schema: cfg.Postgres.Schema,
			Table:  cfg.Postgres.Table,
		})
	case "object":
		return store.NewObjectBackend(store.ObjectConfig{
			Endpoint:  cfg.Object.Endpoint,
			Bucket:    cfg.Object.Bucket,
			AccessKey: cfg.Object.AccessKey,
			SecretKey: cfg.Object.SecretKey,
			Region:    cfg.Object.Region,
			Prefix:    cfg.Object.Prefix,
			UseSSL:    cfg.Object.UseSSL,
			PathStyle: cfg.Object.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// runQuotaRefreshLoop drives the background quota-refresh coordinator (§4.12)
// on a fixed interval until ctx is cancelled.
func runQuotaRefreshLoop(ctx context.Context, coordinator *quotarefresh.Coordinator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := coordinator.RefreshStale(ctx, account.ModeCodex); err != nil {
				log.WithError(err).Warn("quota refresh pass failed")
			}
		}
	}
}

// watchAuthDir notices external edits to the auth pool file (an operator
// hand-editing auth.json, or a sibling process restoring it from the
// backend) and logs them. account.Store.List reloads from disk on every
// call so no explicit cache invalidation is required, but an operator
// watching logs wants to see the edit land.
func watchAuthDir(authDir string) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to start auth-dir watcher")
		return func() {}
	}
	if err := watcher.Add(authDir); err != nil {
		log.WithError(err).Warn("failed to watch auth dir")
		_ = watcher.Close()
		return func() {}
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.WithField("file", event.Name).Info("auth directory changed on disk, will be honored on next selection")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("auth-dir watcher error")
			}
		}
	}()
	return func() { _ = watcher.Close() }
}

// apiKeyGuard authenticates inbound clients against cfg.APIKeys, the proxy's
// own credential, before the orchestrator ever sees the request and attaches
// the pooled upstream OAuth token. An empty key list leaves the proxy open,
// matching the teacher's default posture for local/dev deployments.
func apiKeyGuard(apiKeys []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(apiKeys))
	for _, key := range apiKeys {
		if key != "" {
			allowed[key] = true
		}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = c.GetHeader("x-api-key")
		}
		if !allowed[token] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			return
		}
	}
}

// newForwardHandler builds the gin.HandlerFunc that turns an inbound request
// into an orchestrator.Request, runs Execute, and writes the Response back.
func newForwardHandler(orch *orchestrator.Orchestrator, reqLogger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		req := &orchestrator.Request{
			Method:         c.Request.Method,
			URL:            path,
			Headers:        c.Request.Header.Clone(),
			Body:           body,
			SessionKey:     c.GetHeader("X-Session-Id"),
			Mode:           account.ModeCodex,
			Strategy:       account.StrategyRoundRobin,
			NormalizedPath: c.Request.URL.Path,
		}

		requestTimestamp := time.Now()
		resp := orch.Execute(c.Request.Context(), req)

		for key, values := range resp.Headers {
			for _, value := range values {
				c.Writer.Header().Add(key, value)
			}
		}
		c.Writer.WriteHeader(resp.StatusCode)
		_, _ = c.Writer.Write(resp.Body)

		if reqLogger.IsEnabled() {
			if errLog := reqLogger.LogRequest(path, req.Method, req.Headers, body, resp.StatusCode, resp.Headers, resp.Body, nil, resp.Body, nil, logging.GetGinRequestID(c), requestTimestamp, time.Now()); errLog != nil {
				log.WithError(errLog).Warn("failed to write request log")
			}
		}
	}
}
