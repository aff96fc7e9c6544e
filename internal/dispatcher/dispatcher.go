// Package dispatcher fans one built notification out to every configured
// endpoint concurrently.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/relay"
)

const defaultTimeout = 15 * time.Second

// Config controls Dispatcher behavior.
//   - Timeout: upper bound for a single delivery attempt (default 15s).
//   - Recorder: optional delivery log.
//   - Metrics: optional Prometheus collectors.
//   - Clock / IDGen: used to stamp delivery records.
//   - Tracer: span source (defaults to the global provider).
type Config struct {
	Timeout  time.Duration
	Recorder relay.DeliveryRecorder
	Metrics  *metrics.Metrics
	Clock    relay.Clock
	IDGen    relay.IDGenerator
	Tracer   trace.Tracer
}

// Dispatcher delivers notifications to a fixed endpoint set through a single
// shared Sender. Delivery is best-effort: a failing endpoint is logged and
// never retried, and it never cancels or delays its siblings.
type Dispatcher struct {
	sender    relay.Sender
	endpoints []relay.Endpoint
	cfg       Config
	logger    *zap.Logger

	inflight sync.WaitGroup
}

// New creates a Dispatcher.
func New(sender relay.Sender, endpoints []relay.Endpoint, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if len(endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/JakeFAU/plexrelay/internal/dispatcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:    sender,
		endpoints: append([]relay.Endpoint(nil), endpoints...),
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Endpoints returns a copy of the configured endpoints.
func (d *Dispatcher) Endpoints() []relay.Endpoint {
	return append([]relay.Endpoint(nil), d.endpoints...)
}

// Dispatch issues one delivery attempt per endpoint concurrently and blocks
// until every attempt has finished. Results are returned in endpoint order.
func (d *Dispatcher) Dispatch(ctx context.Context, n relay.Notification) []relay.Result {
	ctx, span := d.cfg.Tracer.Start(ctx, "relay.dispatch", trace.WithAttributes(
		attribute.String("relay.key", n.Key),
		attribute.Int("relay.items", n.Items),
		attribute.Int("relay.endpoints", len(d.endpoints)),
	))
	defer span.End()

	results := make([]relay.Result, len(d.endpoints))
	var wg sync.WaitGroup
	for i, ep := range d.endpoints {
		wg.Add(1)
		go func(i int, ep relay.Endpoint) {
			defer wg.Done()
			results[i] = d.deliver(ctx, ep, n)
		}(i, ep)
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("relay.failed", failed))
	d.logger.Info("notification dispatched",
		zap.String("key", n.Key),
		zap.Int("items", n.Items),
		zap.Int("endpoints", len(results)),
		zap.Int("failed", failed),
	)
	return results
}

// Go runs Dispatch detached from the caller so a slow endpoint never holds up
// ingestion. Cancellation of ctx does not abort deliveries already started;
// each attempt is bounded by the configured timeout instead.
func (d *Dispatcher) Go(ctx context.Context, n relay.Notification) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Dispatch(context.WithoutCancel(ctx), n)
	}()
}

// Wait blocks until every detached dispatch has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain wait: %w", ctx.Err())
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ep relay.Endpoint, n relay.Notification) relay.Result {
	label := ep.Label()
	ctx, span := d.cfg.Tracer.Start(ctx, "relay.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("relay.endpoint", label)),
	)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(attemptCtx, ep, n)
	res := relay.Result{Endpoint: ep, Err: err, Duration: time.Since(start)}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}

	d.cfg.Metrics.ObserveDelivery(label, res.OK(), res.Duration)
	if err != nil {
		d.logger.Warn("delivery failed",
			zap.String("endpoint", label),
			zap.String("key", n.Key),
			zap.Duration("duration", res.Duration),
			zap.Error(err),
		)
	} else {
		d.logger.Debug("delivery succeeded",
			zap.String("endpoint", label),
			zap.String("key", n.Key),
			zap.Duration("duration", res.Duration),
		)
	}
	d.record(ctx, n, res)
	return res
}

func (d *Dispatcher) record(ctx context.Context, n relay.Notification, res relay.Result) {
	if d.cfg.Recorder == nil {
		return
	}
	rec := relay.DeliveryRecord{
		Key:      n.Key,
		Endpoint: res.Endpoint.Label(),
		Items:    n.Items,
		Success:  res.OK(),
		Duration: res.Duration,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if d.cfg.Clock != nil {
		rec.DeliveredAt = d.cfg.Clock.Now()
	} else {
		rec.DeliveredAt = time.Now().UTC()
	}
	if d.cfg.IDGen != nil {
		id, err := d.cfg.IDGen.NewID()
		if err != nil {
			d.logger.Warn("delivery record id failed", zap.Error(err))
			return
		}
		rec.ID = id
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()
	if err := d.cfg.Recorder.RecordDelivery(recordCtx, rec); err != nil {
		d.logger.Warn("delivery record failed", zap.String("endpoint", rec.Endpoint), zap.Error(err))
	}
}
