// Package api is the operator and send-workflow HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/poller"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/sentitems"
)

type pollerService interface {
	Status() poller.Status
	ForceRecheck(ctx context.Context) (poller.Counts, error)
}

type sentResolver interface {
	Resolve(ctx context.Context, subject, recipient string) (sentitems.Result, error)
}

type sentFiler interface {
	FileSentRFQ(ctx context.Context, rfq sentitems.SentRFQ) (sentitems.FileResult, error)
}

type folderInitializer interface {
	InitializeMaterialFolders(ctx context.Context, materialCode string) (*mailbox.Folder, error)
}

type Router struct {
	engine   *gin.Engine
	poller   pollerService
	resolver sentResolver
	filer    sentFiler
	folders  folderInitializer
	health   func(context.Context) error
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// Option customizes a Router.
type Option func(*Router)

func WithPoller(p pollerService) Option {
	return func(r *Router) {
		r.poller = p
	}
}

// WithSentItems wires POST /sent-items/resolve. filer may be nil, in which
// case only lookups are served.
func WithSentItems(resolver sentResolver, filer sentFiler) Option {
	return func(r *Router) {
		r.resolver = resolver
		if filer != nil {
			r.filer = filer
		}
	}
}

func WithFolders(d folderInitializer) Option {
	return func(r *Router) {
		r.folders = d
	}
}

// WithHealthCheck makes /healthz report unhealthy when check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(r *Router) {
		r.health = check
	}
}

// WithGatherer sets the registry exported at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(r *Router) {
		if g != nil {
			r.gatherer = g
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter builds the engine and registers every route.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		gatherer: prometheus.DefaultGatherer,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.engine = gin.New()
	r.engine.Use(gin.Recovery(), r.requestLogger())
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/healthz", r.healthCheck)
	r.engine.GET("/status", r.status)
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
	r.engine.POST("/recheck", r.recheck)
	r.engine.POST("/sent-items/resolve", r.resolveSentItem)
	r.engine.POST("/materials/:code/folders", r.initializeFolders)
}

// Handler exposes the engine for http.Server.
func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": what + " not configured"})
}
