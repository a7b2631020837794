package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/cache"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/categories"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/classify"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/config"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox/imapgw"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox/memory"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/metrics"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/pipeline"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/poller"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/reliability"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/sentitems"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/store"
)

var errNoClassifier = errors.New("classifier.url not configured")

// app is one mailbox session with everything wired to it.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	gw        mailbox.Gateway
	ping      func(context.Context) error
	store     *store.SQLiteStore
	directory *folders.Directory
	sync      *categories.Synchronizer
	pipeline  *pipeline.Pipeline
	poller    *poller.Poller
	resolver  *sentitems.Resolver
	filer     *sentitems.Filer

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if err := a.openGateway(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var classifier classify.Classifier
	if cfg.Classifier.URL != "" {
		classifier = classify.NewHTTPClient(cfg.Classifier.URL,
			classify.WithAPIKey(cfg.Classifier.APIKey),
			classify.WithTimeout(cfg.Classifier.Timeout),
		)
	} else {
		logger.Warn().Msg("classifier.url is empty, detected replies will fail classification")
		classifier = classify.ClassifierFunc(func(context.Context, classify.Request) (*classify.Result, error) {
			return nil, errNoClassifier
		})
	}

	dirOpts := []folders.Option{folders.WithLogger(logger.With().Str("component", "folders").Logger())}
	if cfg.Mailbox.RootFolder != "" {
		dirOpts = append(dirOpts, folders.WithRootParent(cfg.Mailbox.RootFolder))
	}
	a.directory = folders.NewDirectory(a.gw, dirOpts...)
	a.sync = categories.NewSynchronizer(a.gw, categories.WithLogger(logger.With().Str("component", "categories").Logger()))

	orchestrator := classify.NewOrchestrator(a.gw, classifier,
		classify.WithMappingStore(st),
		classify.WithRefStore(st),
		classify.WithLogger(logger.With().Str("component", "classify").Logger()),
	)
	a.pipeline = pipeline.New(a.gw, classifier,
		pipeline.WithLogger(logger.With().Str("component", "pipeline").Logger()),
		pipeline.WithOrchestrator(orchestrator),
		pipeline.WithDirectory(a.directory),
		pipeline.WithSynchronizer(a.sync),
		pipeline.WithDenyList(pipeline.NewDenyList(cfg.Pipeline.DenySenders...)),
		pipeline.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
		pipeline.WithNoMatchRechecks(cfg.Pipeline.NoMatchRechecks),
		pipeline.WithMetrics(a.metrics),
	)

	pollOpts := []poller.Option{
		poller.WithInterval(cfg.Poll.Interval),
		poller.WithPageSize(cfg.Poll.PageSize),
		poller.WithTimeout(cfg.Poll.Timeout),
		poller.WithLogger(logger.With().Str("component", "poller").Logger()),
		poller.WithMetrics(a.metrics),
	}
	if a.ping != nil {
		pollOpts = append(pollOpts, poller.WithAuthCheck(a.ping))
	}
	a.poller = poller.New(a.gw, a.pipeline, pollOpts...)

	a.resolver = sentitems.NewResolver(a.gw,
		sentitems.WithAttempts(cfg.SentItems.Attempts),
		sentitems.WithDelay(reliability.LinearDelay(cfg.SentItems.BaseDelay, cfg.SentItems.StepDelay)),
		sentitems.WithRecentLimit(cfg.SentItems.RecentLimit),
		sentitems.WithResolverLogger(logger.With().Str("component", "sentitems").Logger()),
		sentitems.WithResolverMetrics(a.metrics),
	)
	a.filer = sentitems.NewFiler(a.resolver, a.directory, a.sync,
		sentitems.WithMappingStore(st),
		sentitems.WithFilerLogger(logger.With().Str("component", "sentitems").Logger()),
	)
	return a, nil
}

func (a *app) openGateway(ctx context.Context) error {
	cfg := a.cfg.Mailbox
	if cfg.Type == "memory" {
		a.logger.Info().Msg("using in-memory mailbox")
		a.gw = memory.New()
		return nil
	}

	var registry mailbox.CategoryRegistry = a.store
	if a.cfg.Categories.Registry == "redis" {
		r, err := cache.NewRedisCategoryRegistry(ctx, cache.RedisConfig{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("category registry: %w", err)
		}
		registry = r
		a.closers = append(a.closers, r.Close)
	}

	opts := []imapgw.Option{
		imapgw.WithLogger(a.logger.With().Str("component", "imap").Logger()),
		imapgw.WithFolders(cfg.Inbox, cfg.Sent),
		imapgw.WithCategoryRegistry(registry),
	}
	if cfg.Delimiter != "" {
		opts = append(opts, imapgw.WithDelimiter(cfg.Delimiter))
	}
	gw, err := imapgw.New(imapgw.Account{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		TLS:      cfg.TLS,
	}, opts...)
	if err != nil {
		return err
	}
	a.gw = gw
	a.ping = gw.Ping
	return nil
}

// applyConfig carries hot-reloadable settings into the running session.
func (a *app) applyConfig(cfg *config.Config) {
	a.pipeline.DenyList().Set(cfg.Pipeline.DenySenders)
	a.logger.Info().Strs("deny_senders", cfg.Pipeline.DenySenders).Msg("configuration reloaded")
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
