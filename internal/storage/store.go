package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/pkg/exchange"
)

var (
	// ErrUnsupportedDriver indicates the configured driver is not available.
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
	// ErrWriteFailed wraps durable write failures. The backend's in-memory
	// view is unaffected.
	ErrWriteFailed = errors.New("storage write failed")
)

// Backend is the persistence contract for captured exchanges.
//
// Store is idempotent by ID (last write wins) and never moves an entry in
// eviction order. Get returns nil, nil for unknown or evicted IDs. List is
// newest first by capture order.
type Backend interface {
	Store(*exchange.Entry) error
	Get(id string) (*exchange.Entry, error)
	List() ([]*exchange.Entry, error)
	Recent(limit int) ([]*exchange.Entry, error)
	Delete(id string) (bool, error)
	Clear() error
	Count() int
	Close() error
}

// Options tune a backend independently of the config file.
type Options struct {
	Path          string
	MaxEntries    int
	MaxAge        time.Duration
	FlushInterval time.Duration
	// Now overrides the clock used for age-based eviction.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) expired(ts time.Time) bool {
	return o.MaxAge > 0 && o.now().Sub(ts) > o.MaxAge
}

// sweepInterval is how often the age sweeper runs for a given max age.
func (o Options) sweepInterval() time.Duration {
	interval := o.MaxAge / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// OptionsFromConfig maps the storage config section.
func OptionsFromConfig(cfg *config.StorageConfig) Options {
	return Options{
		Path:          cfg.Path,
		MaxEntries:    cfg.MaxEntries,
		MaxAge:        cfg.MaxAge,
		FlushInterval: cfg.FlushInterval,
	}
}

// New instantiates a Backend based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Backend, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	opts := OptionsFromConfig(cfg)
	switch driver := cfg.Driver; driver {
	case "", "memory":
		return NewMemory(opts), nil
	case "file":
		return NewFile(opts, log)
	case "sqlite", "sqlite3":
		return NewSQLite(opts, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// startSweeper runs fn every interval until the returned stop func is called.
func startSweeper(interval time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
