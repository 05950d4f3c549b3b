package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nullstream/ollama-lmstudio-proxy/proxy/config"
)

// Server wires the Ollama-compatible handler surface onto a gin engine and
// owns the lifecycle of everything handlers.go needs to do its job: the
// backend HTTP client, the model resolver, the alias store, and the blob
// store.
type Server struct {
	config config.Config

	ginEngine *gin.Engine

	logger *LogMonitor

	handlers   *Handlers
	aliasStore *AliasStore

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	version string
}

// NewServer builds a Server from cfg. aliasStore is constructed by the
// caller (main.go) so it can be reused across a config reload without
// losing in-memory aliases created since the last persist.
func NewServer(cfg config.Config, aliasStore *AliasStore, logger *LogMonitor) *Server {
	logger.SetLogLevel(parseLogLevel(cfg.LogLevel))

	client := NewBackendHTTPClient()
	resolver := NewModelResolver(client, cfg.LMStudioURL, time.Duration(cfg.ModelResolutionCacheTTLSeconds)*time.Second)
	blobStore := NewBlobStore(cfg.StateDir)

	handlers := NewHandlers(
		client,
		cfg.LMStudioURL,
		resolver,
		aliasStore,
		blobStore,
		time.Duration(cfg.LoadTimeoutSeconds)*time.Second,
		time.Duration(cfg.StreamIdleTimeoutSeconds)*time.Second,
		cfg.MaxBufferSize,
		cfg.EnableChunkRecovery,
		logger,
	)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	s := &Server{
		config:         cfg,
		ginEngine:      gin.New(),
		logger:         logger,
		handlers:       handlers,
		aliasStore:     aliasStore,
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
		version:        OllamaServerVersion,
	}
	s.setupGinEngine()
	return s
}

func parseLogLevel(level string) LogLevel {
	switch config.LogLevel(level) {
	case config.LogLevelDebug, config.LogLevelTrace:
		return LevelDebug
	case config.LogLevelWarn:
		return LevelWarn
	case config.LogLevelError, config.LogLevelOff:
		return LevelError
	default:
		return LevelInfo
	}
}

func (s *Server) setupGinEngine() {
	s.ginEngine.Use(func(c *gin.Context) {
		start := time.Now()
		clientIP := c.ClientIP()
		method := c.Request.Method
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		countRequest(status >= 500)
		s.logger.Infof("Request %s \"%s %s %s\" %d %d \"%s\" %v",
			clientIP,
			method,
			path,
			c.Request.Proto,
			status,
			c.Writer.Size(),
			c.Request.UserAgent(),
			duration,
		)
	})

	// Ollama's own server allows any origin on every response, not just
	// preflight; clients that speak to Ollama from a browser expect the
	// same from us.
	s.ginEngine.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, HEAD, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			if headers := c.Request.Header.Get("Access-Control-Request-Headers"); headers != "" {
				c.Header("Access-Control-Allow-Headers", SanitizeAccessControlRequestHeaderValues(headers))
			} else {
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			c.Header("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Next()
	})

	s.ginEngine.Use(gzipMiddleware())

	h := s.handlers

	s.ginEngine.POST("/api/chat", h.ChatHandler)
	s.ginEngine.POST("/api/generate", h.GenerateHandler)
	s.ginEngine.POST("/api/embed", h.EmbedHandler)
	s.ginEngine.POST("/api/embeddings", h.EmbeddingsHandler)
	s.ginEngine.GET("/api/tags", h.TagsHandler)
	s.ginEngine.GET("/api/ps", h.PsHandler)
	s.ginEngine.POST("/api/show", h.ShowHandler)
	s.ginEngine.POST("/api/create", h.CreateHandler)
	s.ginEngine.POST("/api/copy", h.CopyHandler)
	s.ginEngine.DELETE("/api/delete", h.DeleteHandler)
	s.ginEngine.POST("/api/push", h.PushHandler)
	s.ginEngine.POST("/api/pull", h.PullHandler)
	s.ginEngine.GET("/api/version", h.VersionHandler)
	s.ginEngine.HEAD("/api/blobs/:digest", h.BlobsHeadHandler)
	s.ginEngine.POST("/api/blobs/:digest", h.BlobsPostHandler)

	s.ginEngine.GET("/", h.HeartbeatHandler)
	s.ginEngine.GET("/health", h.HealthHandler)
	s.ginEngine.GET("/logs", h.LogsHandler)
	s.ginEngine.GET("/logs/stream", h.LogsStreamHandler)

	s.ginEngine.NoRoute(func(c *gin.Context) {
		if IsPassthroughPath(c.Request.URL.Path) {
			h.PassthroughHandler(c)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// ServeHTTP implements http.Handler, letting a Server be handed directly to
// http.Server / http.ListenAndServe(TLS).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.ginEngine.ServeHTTP(w, r)
}

// Shutdown cancels the server's shutdown context. Load triggers run on
// their own load-timeout context and pull streams on the request context,
// so neither is stopped by it. There are no child processes to drain here;
// LM Studio is an external, independently-managed backend.
func (s *Server) Shutdown() {
	s.shutdownCancel()
}

// SetLogLevel changes the server's log verbosity at runtime. A config
// reload does not call it; the replacement Server's NewServer sets the
// level from the new config.
func (s *Server) SetLogLevel(level string) {
	s.logger.SetLogLevel(parseLogLevel(level))
}

// WatchConfigFile monitors path for changes and calls onReload, debounced by
// one second so editors that write via a temp-file-then-rename don't fire
// twice. The returned func stops the watch.
func WatchConfigFile(path string, onReload func(path string)) (func(), error) {
	cw, err := newConfigWatcher(path, time.Second, onReload)
	if err != nil {
		return nil, err
	}
	return cw.stop, nil
}
