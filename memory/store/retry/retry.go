package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

// Config bounds the retries.
type Config struct {
	// MaxRetries after the first attempt. Default: 3
	MaxRetries uint64

	// InitialInterval is the first backoff delay. Default: 100ms
	InitialInterval time.Duration

	// MaxElapsedTime caps the whole operation. Default: 5s
	MaxElapsedTime time.Duration
}

// Store retries transient failures of the wrapped record store with
// exponential backoff. Validation and not-found errors are returned at once.
type Store struct {
	next   memory.RecordStore
	config Config
}

// Wrap adds retries to next.
func Wrap(next memory.RecordStore, cfg Config) *Store {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 5 * time.Second
	}
	return &Store{next: next, config: cfg}
}

// Unwrap returns the wrapped store.
func (s *Store) Unwrap() memory.RecordStore {
	return s.next
}

func (s *Store) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialInterval
	b.MaxElapsedTime = s.config.MaxElapsedTime

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && (core.IsPermanent(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.config.MaxRetries), ctx), func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"wait":    wait,
		}).Warnf("[STORE] Retrying after error: %v", err)
	})
}

func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	return s.do(ctx, "put", func() error { return s.next.Put(ctx, rec) })
}

func (s *Store) Get(ctx context.Context, ns memory.Namespace, id string) (*memory.Record, error) {
	var rec *memory.Record
	err := s.do(ctx, "get", func() error {
		var err error
		rec, err = s.next.Get(ctx, ns, id)
		return err
	})
	return rec, err
}

func (s *Store) Delete(ctx context.Context, ns memory.Namespace, id string) error {
	return s.do(ctx, "delete", func() error { return s.next.Delete(ctx, ns, id) })
}

func (s *Store) List(ctx context.Context, ns memory.Namespace) ([]*memory.Record, error) {
	var recs []*memory.Record
	err := s.do(ctx, "list", func() error {
		var err error
		recs, err = s.next.List(ctx, ns)
		return err
	})
	return recs, err
}

func (s *Store) Count(ctx context.Context, ns memory.Namespace) (int, error) {
	var n int
	err := s.do(ctx, "count", func() error {
		var err error
		n, err = s.next.Count(ctx, ns)
		return err
	})
	return n, err
}

// Iterate is not retried: fn may already have seen part of the records.
func (s *Store) Iterate(ctx context.Context, fn func(*memory.Record) error) error {
	return s.next.Iterate(ctx, fn)
}

func (s *Store) Close() error {
	return s.next.Close()
}
