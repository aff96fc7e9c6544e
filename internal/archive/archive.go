// Package archive keeps a copy of every raw webhook payload and thumbnail in
// a blob store for debugging and replay.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/relay"
)

// Archive writes <prefix>/<id>.json and <prefix>/<id>.jpeg objects.
type Archive struct {
	store   relay.BlobStore
	prefix  string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	inflight sync.WaitGroup
}

// Config tunes the archive.
//   - Prefix: object key prefix (defaults to "plex").
//   - Timeout: bound for each write (defaults to 10s).
type Config struct {
	Prefix  string
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// New builds an Archive. A nil store yields a disabled archive whose Store is
// a no-op.
func New(store relay.BlobStore, cfg Config, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "plex"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Archive{
		store:   store,
		prefix:  prefix,
		timeout: timeout,
		metrics: cfg.Metrics,
		logger:  logger.Named("archive"),
	}
}

// Enabled reports whether a backing store is configured.
func (a *Archive) Enabled() bool {
	return a != nil && a.store != nil
}

// Store writes the payload and optional thumbnail. Failures are logged and
// returned; callers treat them as non-fatal.
func (a *Archive) Store(ctx context.Context, id string, payload, thumb []byte) error {
	if !a.Enabled() {
		return nil
	}
	if id == "" {
		return errors.New("archive id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var errs []error
	if len(payload) > 0 {
		errs = append(errs, a.put(ctx, id+".json", "application/json", payload))
	}
	if len(thumb) > 0 {
		errs = append(errs, a.put(ctx, id+".jpeg", "image/jpeg", thumb))
	}
	return errors.Join(errs...)
}

// StoreAsync runs Store in the background, detached from ctx cancellation.
// Wait blocks until every such write has finished.
func (a *Archive) StoreAsync(ctx context.Context, id string, payload, thumb []byte) {
	if !a.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		_ = a.Store(ctx, id, payload, thumb)
	}()
}

// Wait blocks until background writes finish or ctx ends.
func (a *Archive) Wait(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive drain wait: %w", ctx.Err())
	}
}

func (a *Archive) put(ctx context.Context, name, contentType string, data []byte) error {
	key := path.Join(a.prefix, name)
	uri, err := a.store.PutObject(ctx, key, contentType, data)
	a.metrics.ObserveArchiveWrite(err == nil)
	if err != nil {
		a.logger.Warn("archive write failed", zap.String("path", key), zap.Error(err))
		return err
	}
	a.logger.Debug("archived", zap.String("uri", uri), zap.Int("bytes", len(data)))
	return nil
}
