package api

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/plex"
	"github.com/JakeFAU/plexrelay/internal/queue/memory"
)

type acceptedResponse struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Key       string `json:"key,omitempty"`
	Coalesced bool   `json:"coalesced"`
}

func (s *Server) receivePlex(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	req, err := plex.ParseRequest(r, s.opts.Validator)
	if err != nil {
		s.opts.Metrics.ObserveEventRejected(metrics.RejectInvalid)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.logger.Info("rejected webhook", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := req.Payload
	if p.Metadata != nil && len(p.Metadata.Extra) > 0 {
		fields := make([]string, 0, len(p.Metadata.Extra))
		for name := range p.Metadata.Extra {
			fields = append(fields, name)
		}
		s.logger.Debug("unrecognized metadata fields", zap.String("event", p.Event), zap.Strings("fields", fields))
	}

	id, err := s.opts.IDGen.NewID()
	if err != nil {
		id = requestID(r.Context())
	}
	ev := s.opts.Translator.Event(id, p, s.opts.Clock.Now())
	s.opts.Metrics.ObserveEventReceived(p.Event, ev.Coalesced())

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.EnqueueTimeout)
	defer cancel()
	if err := s.opts.Queue.Enqueue(ctx, ev); err != nil {
		reason, msg := metrics.RejectQueueFull, "queue full"
		switch {
		case errors.Is(err, memory.ErrQueueClosed):
			reason, msg = metrics.RejectQueueClosed, "shutting down"
		case r.Context().Err() != nil:
			reason, msg = metrics.RejectCanceled, "request canceled"
		}
		s.opts.Metrics.ObserveEventRejected(reason)
		s.logger.Warn("event not enqueued",
			zap.String("event_id", id),
			zap.String("event", p.Event),
			zap.String("reason", reason),
			zap.Error(err),
		)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}

	s.opts.Archive.StoreAsync(r.Context(), id, req.Raw, req.Thumb)

	s.logger.Info("webhook accepted",
		zap.String("event_id", id),
		zap.String("event", p.Event),
		zap.String("account", p.Account.Title),
		zap.String("key", ev.Key),
		zap.Bool("thumb", len(req.Thumb) > 0),
	)
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		ID:        id,
		Event:     p.Event,
		Key:       ev.Key,
		Coalesced: ev.Coalesced(),
	})
}
