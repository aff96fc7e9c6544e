// Package discord delivers notifications to Discord execute-webhook URLs.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/policy/ratelimit"
	"github.com/JakeFAU/plexrelay/internal/relay"
)

const maxErrorBody = 2048

// Config configures the Discord sender.
//   - Timeout: client-level timeout (defaults to 10s); the dispatcher also
//     bounds each attempt through the context.
//   - RequestsPerMinute: per-endpoint outbound limit (0 disables).
//   - Username / AvatarURL: optional webhook identity overrides.
//   - HTTPClient: shared client; one is built when nil.
type Config struct {
	Timeout           time.Duration
	RequestsPerMinute float64
	Username          string
	AvatarURL         string
	HTTPClient        *http.Client
	Metrics           *metrics.Metrics
}

// Sender posts embeds to Discord webhooks. It is safe for concurrent use and
// shares one connection pool across endpoints.
type Sender struct {
	client    *http.Client
	limiter   *ratelimit.Limiter
	username  string
	avatarURL string
	logger    *zap.Logger
}

// New constructs a Sender.
func New(cfg Config, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	m := cfg.Metrics
	return &Sender{
		client: client,
		limiter: ratelimit.New(ratelimit.Config{
			PerMinute: cfg.RequestsPerMinute,
			Burst:     5,
			Observer:  m.ObserveRateLimitDelay,
		}),
		username:  cfg.Username,
		avatarURL: cfg.AvatarURL,
		logger:    logger.Named("discord"),
	}
}

// Send performs one POST of n to the endpoint's webhook URL. Any non-2xx
// reply is returned as an error carrying the response body.
func (s *Sender) Send(ctx context.Context, ep relay.Endpoint, n relay.Notification) error {
	if ep.URL == "" {
		return errors.New("endpoint url is empty")
	}
	if err := s.limiter.Wait(ctx, ep.Label()); err != nil {
		return err
	}

	body, err := json.Marshal(WebhookRequest{
		Username:        s.username,
		AvatarURL:       s.avatarURL,
		Embeds:          []Embed{EmbedFrom(n)},
		AllowedMentions: &AllowedMentions{Parse: []string{}},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", ep.Label(), redact(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	s.logger.Debug("discord webhook replied",
		zap.String("endpoint", ep.Label()),
		zap.Int("status", resp.StatusCode),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// StatusError reports a non-2xx webhook reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook replied with status %d", e.Code)
	}
	return fmt.Sprintf("webhook replied with status %d: %s", e.Code, e.Body)
}

// redact strips the request URL (which embeds the webhook token) from
// transport errors.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
