// Package app wires configuration into a running moderation core: model,
// classifier, audit store and moderator. Both the server and modctl use it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/auth"
	"github.com/triage-ai/palisade/moderation/internal/classifier"
	"github.com/triage-ai/palisade/moderation/internal/config"
	"github.com/triage-ai/palisade/moderation/internal/metrics"
	"github.com/triage-ai/palisade/moderation/internal/model"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
	"github.com/triage-ai/palisade/moderation/internal/storage"
	"github.com/triage-ai/palisade/moderation/internal/store"
	"go.uber.org/zap"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "0.1.0-dev"

const (
	startupRetries = 5
	startupBackoff = 500 * time.Millisecond
)

// Options are the pieces the caller chooses.
type Options struct {
	Sink   metrics.Sink        // nil for metrics.Nop
	Events storage.EventWriter // nil disables decision events
}

// App holds the assembled core. Close releases everything it opened.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Classifier *classifier.Classifier
	Store      *audit.SQLStore
	Moderator  *moderator.Moderator

	closers []func()
}

// New loads the model, opens (and migrates) the audit store and builds the
// moderator. A missing artifact fails with model.ErrModelNotFound.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if opts.Sink == nil {
		opts.Sink = metrics.Nop{}
	}
	a := &App{Config: cfg, Logger: logger}

	m, err := a.OpenModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	clf, err := classifier.New(model.NewHolder(m), classifier.Config{BenignLabel: cfg.BenignLabel}, opts.Sink, logger)
	if err != nil {
		closeModel(m)
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Classifier = clf
	a.closers = append(a.closers, func() { closeModel(clf.Model()) })

	auditOpts := cfg.AuditOptions()
	auditOpts.Sink = opts.Sink
	auditOpts.Logger = logger
	st, err := openAudit(ctx, cfg.DBDSN, auditOpts, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, func() { _ = st.Close() })

	mod, err := moderator.New(clf, st, opts.Events, cfg.Moderator(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Moderator = mod
	return a, nil
}

// OpenModel loads the model from the configured location.
func (a *App) OpenModel(ctx context.Context) (model.Model, error) {
	return model.Open(ctx, a.Config.ModelLocation(), a.Config.ModelOptions(a.Logger))
}

// ReloadModel swaps in a freshly loaded model. On failure the current model
// keeps serving.
func (a *App) ReloadModel(ctx context.Context) error {
	return a.Classifier.Reload(ctx, a.OpenModel)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Authenticator builds the authenticator selected by auth_mode. For postgres
// it opens and migrates the key store; the returned close func releases it.
func Authenticator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (auth.Authenticator, func(), error) {
	switch cfg.EffectiveAuthMode() {
	case config.AuthStatic:
		logger.Info("using static authenticator")
		return auth.NewStaticAuthenticator(cfg.APIKey), func() {}, nil
	case config.AuthPostgres:
		keys, err := OpenKeyStore(ctx, cfg.AuthDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("postgres authenticator connected")
		return auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			Keys:     keys,
			CacheTTL: cfg.AuthCacheTTL(),
			Logger:   logger,
		}), func() { _ = keys.Close() }, nil
	default:
		logger.Warn("no API key configured, all requests are accepted")
		return auth.NoopAuthenticator{}, func() {}, nil
	}
}

// OpenKeyStore connects to the API key database, retrying while it starts,
// and applies pending migrations.
func OpenKeyStore(ctx context.Context, dsn string, logger *zap.Logger) (*store.Store, error) {
	if dsn == "" {
		return nil, errors.New("app.OpenKeyStore: auth_dsn is not set")
	}
	var keys *store.Store
	err := withStartupRetry(ctx, logger, "key store", func(ctx context.Context) error {
		var err error
		keys, err = store.Open(ctx, dsn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("app.OpenKeyStore: %w", err)
	}
	if err := keys.Migrate(); err != nil {
		_ = keys.Close()
		return nil, fmt.Errorf("app.OpenKeyStore: %w", err)
	}
	return keys, nil
}

func openAudit(ctx context.Context, dsn string, opts audit.Options, logger *zap.Logger) (*audit.SQLStore, error) {
	var st *audit.SQLStore
	err := withStartupRetry(ctx, logger, "audit store", func(ctx context.Context) error {
		var err error
		st, err = audit.Open(ctx, dsn, opts)
		return err
	})
	return st, err
}

// withStartupRetry retries fn with Fibonacci backoff. Only connection-level
// failures are retried; configuration errors such as a bad DSN fail at once.
func withStartupRetry(ctx context.Context, logger *zap.Logger, what string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(startupRetries, retry.NewFibonacci(startupBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, audit.ErrInvalidDSN) {
			return err
		}
		logger.Warn("connection failed, retrying", zap.String("target", what), zap.Error(err))
		return retry.RetryableError(err)
	})
}

func closeModel(m model.Model) {
	if c, ok := m.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
