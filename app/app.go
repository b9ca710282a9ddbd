// Package app assembles the agent from configuration: embedder, memory
// store and index, manager, checkpointer, model, tools and engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/Zenin797/SunoTherapist/checkpoint"
	"github.com/Zenin797/SunoTherapist/config"
	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/engine"
	"github.com/Zenin797/SunoTherapist/llm"
	"github.com/Zenin797/SunoTherapist/memory"
	"github.com/Zenin797/SunoTherapist/memory/embedder/cache"
	"github.com/Zenin797/SunoTherapist/memory/embedder/mock"
	"github.com/Zenin797/SunoTherapist/memory/embedder/onnx"
	openaiembed "github.com/Zenin797/SunoTherapist/memory/embedder/openai"
	"github.com/Zenin797/SunoTherapist/memory/store/chromem"
	"github.com/Zenin797/SunoTherapist/memory/store/pgvector"
	"github.com/Zenin797/SunoTherapist/memory/store/retry"
	"github.com/Zenin797/SunoTherapist/memory/store/sqlite"
	"github.com/Zenin797/SunoTherapist/tools"
)

// App is a fully wired agent.
type App struct {
	Config    *config.Config
	Manager   *memory.Manager
	Engine    *engine.Engine
	ModelName string

	closers []io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	model      core.Model
	observer   engine.Observer
	skipModel  bool
	extraTools []core.Tool
}

// WithModel uses model instead of building one from the configuration.
func WithModel(model core.Model) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithObserver reports engine steps to fn.
func WithObserver(fn engine.Observer) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// MemoryOnly builds the memory stack without a model or engine, for
// commands that only inspect stored memories.
func MemoryOnly() Option {
	return func(o *options) {
		o.skipModel = true
	}
}

// WithTools registers additional tools.
func WithTools(t ...core.Tool) Option {
	return func(o *options) {
		o.extraTools = append(o.extraTools, t...)
	}
}

// New wires an App. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{Config: cfg}
	built := a
	defer func() {
		if err != nil {
			_ = built.Close()
		}
	}()

	embedder, err := a.buildEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	store, index, db, err := a.buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.Manager = memory.NewManager(store, index, embedder, cfg.MemoryManager())
	// Manager.Close closes the store; register it before the checkpointer
	// so it closes last.
	a.closers = append(a.closers, a.Manager)

	if _, ok := index.(*chromem.Index); ok {
		if _, err := a.Manager.Reindex(ctx); err != nil {
			return nil, fmt.Errorf("reindex memories: %w", err)
		}
	}

	if o.skipModel {
		return a, nil
	}

	checkpointer, err := a.buildCheckpointer(ctx, cfg.Checkpoint, cfg.Store, db)
	if err != nil {
		return nil, err
	}

	model := o.model
	if model == nil {
		model, err = llm.New(cfg.LLM())
		if err != nil {
			return nil, err
		}
	}
	a.ModelName = llm.Describe(cfg.LLM(), model)

	registry := engine.NewToolRegistry()
	registry.MustRegister(tools.MemoryTools(a.Manager)...)
	registry.MustRegister(tools.MemoryUsageTool())
	registry.MustRegister(tools.WebTools(tools.NewWebClient(tools.WebConfig{
		AllowExternal: cfg.Tools.AllowExternal,
		SearxHost:     cfg.Tools.SearxHost,
		WeatherAPIKey: cfg.Tools.WeatherAPIKey,
		Timeout:       cfg.Tools.RequestTimeout,
	}))...)
	registry.MustRegister(o.extraTools...)

	engineOpts := []engine.Option{
		engine.WithMemory(a.Manager),
		engine.WithCheckpointer(checkpointer),
		engine.WithMaxToolRounds(cfg.Agent.MaxToolRounds),
		engine.WithPreload(cfg.Memory.Preload),
	}
	if cfg.Agent.SystemPrompt != "" {
		engineOpts = append(engineOpts, engine.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	if o.observer != nil {
		engineOpts = append(engineOpts, engine.WithObserver(o.observer))
	}
	a.Engine = engine.New(model, registry, engineOpts...)

	log.WithFields(log.Fields{
		"model":      a.ModelName,
		"embedder":   cfg.Embedding.Provider,
		"store":      cfg.Store.Driver,
		"index":      cfg.Store.Index,
		"checkpoint": cfg.Checkpoint.Driver,
		"tools":      len(registry.Definitions()),
	}).Info("[APP] Agent ready")
	return a, nil
}

// Close releases every resource in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildEmbedder(cfg config.EmbeddingConfig) (memory.Embedder, error) {
	var embedder memory.Embedder
	switch cfg.Provider {
	case "mock", "":
		embedder = mock.New(cfg.Dimensions)
	case "openai":
		e, err := openaiembed.New(openaiembed.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		embedder = e
	case "onnx":
		e, err := onnx.New(onnx.Config{
			ModelPath:     cfg.ModelPath,
			TokenizerPath: cfg.TokenizerPath,
			LibraryPath:   cfg.LibraryPath,
			Dimensions:    cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, e)
		embedder = e
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.CacheSize <= 0 {
		return embedder, nil
	}
	cached, err := cache.New(embedder, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cached)
	return cached, nil
}

// buildStore returns the record store, the index (nil means scan) and, for
// SQLite, the database handle the checkpointer may share.
func (a *App) buildStore(ctx context.Context, cfg *config.Config) (memory.RecordStore, memory.Index, *sqlite.Store, error) {
	var (
		store memory.RecordStore
		index memory.Index
		lite  *sqlite.Store
	)

	switch cfg.Store.Driver {
	case "sqlite", "":
		s, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		store, lite = s, s
	case "postgres":
		s, err := pgvector.Open(ctx, cfg.Store.DSN, pgvector.Config{
			Dimensions:   cfg.Embedding.Dimensions,
			IndexTimeout: cfg.Store.IndexTimeout,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		store = s
		if cfg.Store.Index == "pgvector" {
			index = s
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	switch cfg.Store.Index {
	case "chromem", "":
		idx := chromem.New(chromem.WithQueryTimeout(cfg.Store.IndexTimeout))
		a.closers = append(a.closers, idx)
		index = idx
	case "scan", "pgvector":
	default:
		_ = store.Close()
		return nil, nil, nil, fmt.Errorf("unknown index %q", cfg.Store.Index)
	}

	if cfg.Store.Retries > 0 {
		store = retry.Wrap(store, retry.Config{MaxRetries: uint64(cfg.Store.Retries)})
	}
	return store, index, lite, nil
}

func (a *App) buildCheckpointer(ctx context.Context, cfg config.CheckpointConfig, storeCfg config.StoreConfig, lite *sqlite.Store) (engine.Checkpointer, error) {
	switch cfg.Driver {
	case "memory":
		return engine.NewMemoryCheckpointer(), nil
	case "sqlite", "":
		if lite != nil && (cfg.Path == "" || cfg.Path == storeCfg.Path) {
			return checkpoint.NewSQLite(lite.DB())
		}
		cp, err := checkpoint.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cp)
		return cp, nil
	case "redis":
		cp, err := checkpoint.NewRedis(ctx, &checkpoint.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cp)
		return cp, nil
	}
	return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
}
