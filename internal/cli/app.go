package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/statecore/internal/config"
	"github.com/roach88/statecore/internal/persist"
	"github.com/roach88/statecore/internal/pipeline"
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/schema"
	"github.com/roach88/statecore/internal/statepath"
	"github.com/roach88/statecore/internal/store"
	"github.com/roach88/statecore/internal/value"
)

// core is the store stack shared by every command that touches state.
type core struct {
	schema      *schema.Schema
	sched       *reactive.Scheduler
	store       *store.Store
	storage     persist.Storage
	persistKeys []statepath.Path
	closeFn     func() error
}

// newCore builds the schema, runtime, store and storage backend described
// by cfg. The driver decides where update passes run.
func newCore(cfg config.Config, driver reactive.Driver, logger *slog.Logger) (*core, error) {
	sc, err := loadSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	defaults, err := sc.Defaults()
	if err != nil {
		return nil, fmt.Errorf("schema defaults: %w", err)
	}

	storage, closeFn, err := openStorage(cfg.Persistence, logger)
	if err != nil {
		return nil, err
	}

	keys := cfg.Persistence.Keys
	if len(keys) == 0 {
		keys = sc.PersistKeys()
	}
	persistKeys, err := statepath.ParseAll(keys)
	if err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("persist keys: %w", err)
	}

	sched := reactive.NewScheduler(driver, reactive.WithSchedulerLogger(logger))
	rt := reactive.New(sched, reactive.WithLogger(logger))
	st, err := store.New(rt, defaults,
		store.WithMaxHistory(cfg.Store.MaxHistory),
		store.WithStorage(storage, cfg.Persistence.Key),
		store.WithPersistKeys(keys...),
		store.WithPersistDebounce(cfg.Persistence.Debounce.Std()),
		store.WithLogger(logger.With("component", "store")),
		store.WithValidator(sc),
	)
	if err != nil {
		_ = closeFn()
		return nil, err
	}

	return &core{
		schema:      sc,
		sched:       sched,
		store:       st,
		storage:     storage,
		persistKeys: persistKeys,
		closeFn:     closeFn,
	}, nil
}

// persisted reports whether a write to path lands in the saved subset.
func (c *core) persisted(path statepath.Path) bool {
	for _, k := range c.persistKeys {
		if k.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// shutdown applies queued writes, saves pending state and closes the
// backend. The caller must own the store.
func (c *core) shutdown(ctx context.Context) error {
	c.sched.Flush()
	return errors.Join(c.store.FlushPersistence(ctx), c.closeFn())
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default()
	}
	return schema.LoadFile(path)
}

func openStorage(cfg config.PersistenceConfig, logger *slog.Logger) (persist.Storage, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		var opts []persist.SQLiteOption
		if cfg.MaxBlobSize > 0 {
			opts = append(opts, persist.WithMaxBlobSize(cfg.MaxBlobSize))
		}
		db, err := persist.OpenSQLite(cfg.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.BackendFile:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		fs, err := persist.NewFileStorage(cfg.Path, logger.With("component", "persist"))
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	default:
		return persist.NewMemoryStorage(), noop, nil
	}
}

// newPipeline builds a pipeline over HTTP when base_url is set. Without
// one every fetch fails with errNoBaseURL; stream messages still flow.
func newPipeline(cfg config.PipelineConfig, logger *slog.Logger, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	var tr pipeline.Transport = offlineTransport{}
	if cfg.BaseURL != "" {
		httpTr, err := pipeline.NewHTTPTransport(cfg.BaseURL,
			pipeline.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Std()}),
			pipeline.WithUserAgent(cfg.UserAgent),
			pipeline.WithBatchPath(cfg.BatchPath),
		)
		if err != nil {
			return nil, err
		}
		tr = httpTr
	}
	base := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithBatchWindow(cfg.BatchWindow.Std()),
		pipeline.WithMaxRetries(cfg.MaxRetries),
		pipeline.WithRetryBase(cfg.RetryBase.Std()),
		pipeline.WithDefaultTTL(cfg.DefaultTTL.Std()),
		pipeline.WithSweepInterval(cfg.SweepInterval.Std()),
	}
	return pipeline.New(tr, append(base, opts...)...), nil
}

var errNoBaseURL = errors.New("pipeline.base_url is not configured")

type offlineTransport struct{}

func (offlineTransport) Do(context.Context, pipeline.Request) (value.Value, error) {
	return nil, pipeline.Permanent(errNoBaseURL)
}

// dataPath maps a data type onto its slot under "data".
func dataPath(dataType string) string {
	seg := strings.NewReplacer("/", "_", ".", "_").Replace(strings.Trim(dataType, "/"))
	if seg == "" {
		seg = "_"
	}
	return "data." + seg
}
