// Package engine assembles the download stack shared by the API server and
// the CLI: metadata cache, gallery host client, state store and the session
// registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/spider/internal/config"
	"github.com/jackzampolin/spider/internal/den"
	"github.com/jackzampolin/spider/internal/ehclient"
	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/home"
	"github.com/jackzampolin/spider/internal/metacache"
	"github.com/jackzampolin/spider/internal/metrics"
	"github.com/jackzampolin/spider/internal/persist"
	"github.com/jackzampolin/spider/internal/spider"
)

// Config configures an Engine.
type Config struct {
	Config  *config.Config // nil uses config.DefaultConfig
	Home    *home.Dir
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// MemoryCache keeps the metadata cache in memory instead of bbolt.
	MemoryCache bool
}

// Engine owns the long-lived download components.
type Engine struct {
	Home     *home.Dir
	Cache    *metacache.Cache
	Client   *ehclient.Client
	Store    *persist.Store
	Registry *spider.Registry
	Metrics  *metrics.Recorder
	URLs     ehclient.URLs

	logger *slog.Logger
	cancel context.CancelFunc
}

// Open creates the home layout, opens the metadata cache and builds the
// session registry. Sessions live until Close or until ctx is cancelled.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Home == nil {
		return nil, fmt.Errorf("engine: home directory is required")
	}
	c := cfg.Config
	if c == nil {
		c = config.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NewRecorder()
	}

	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}

	cachePath := cfg.Home.CachePath()
	if cfg.MemoryCache {
		cachePath = ""
	}
	cache, err := metacache.Open(cachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata cache: %w", err)
	}

	fetcher := ehclient.New(ehclient.Config{
		UserAgent:         c.HTTP.UserAgent,
		Timeout:           c.HTTP.Timeout,
		RequestsPerSecond: c.HTTP.RequestsPerSecond,
		Burst:             c.HTTP.Burst,
		BreakerFailures:   c.HTTP.BreakerFailures,
		Logger:            logger,
		Metrics:           rec,
	})

	store := persist.New(persist.Config{
		Cache:  cache,
		DirFor: cfg.Home.GalleryDir,
		Logger: logger.With("component", "persist"),
	})

	urls := ehclient.NewURLs(c.HTTP.BaseURL)
	h := cfg.Home
	sessionCtx, cancel := context.WithCancel(ctx)
	registry := spider.NewRegistry(sessionCtx, spider.Config{
		Workers:          c.Spider.Workers,
		Preload:          c.Spider.Preload,
		DownloadOriginal: c.Spider.DownloadOriginal,
		DecodeCacheSize:  c.Spider.DecodeCacheSize,
		DecodeCacheTTL:   c.Spider.DecodeCacheTTL,
		Fetcher:          fetcher,
		Parser:           ehparse.Parser{},
		Persister:        store,
		URLs:             urls,
		Logger:           logger,
		Metrics:          rec,
	}, func(info gallery.Info) (spider.Den, error) {
		if err := h.EnsureGalleryDir(info.GID); err != nil {
			return nil, err
		}
		return den.New(h.GalleryDir(info.GID))
	})

	return &Engine{
		Home:     h,
		Cache:    cache,
		Client:   fetcher,
		Store:    store,
		Registry: registry,
		Metrics:  rec,
		URLs:     urls,
		logger:   logger,
		cancel:   cancel,
	}, nil
}

// Apply pushes reloadable settings to sessions created from now on.
func (e *Engine) Apply(c *config.Config) {
	e.Registry.Tune(c.Spider.Workers, c.Spider.Preload, c.Spider.DownloadOriginal)
	e.logger.Info("spider settings reloaded",
		"workers", c.Spider.Workers,
		"preload", c.Spider.Preload,
		"download_original", c.Spider.DownloadOriginal)
}

// Close stops every session, waits for state to be persisted and closes the
// metadata cache.
func (e *Engine) Close(ctx context.Context) error {
	regErr := e.Registry.Close(ctx)
	e.cancel()
	cacheErr := e.Cache.Close()
	return errors.Join(regErr, cacheErr)
}
