// Package sender routes a delivery attempt to the transport matching the
// endpoint URL: https webhooks go to Discord, pubsub://topic goes to Pub/Sub.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

// Scheme names understood by the router.
const (
	SchemeHTTPS  = "https"
	SchemeHTTP   = "http"
	SchemePubSub = "pubsub"
)

// ErrUnsupportedScheme is returned for endpoints no transport can serve.
var ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

// Router implements relay.Sender by dispatching on the endpoint scheme.
type Router struct {
	webhook   relay.Sender
	publisher relay.Publisher
}

// New builds a Router. Either transport may be nil when no endpoint uses it.
func New(webhook relay.Sender, publisher relay.Publisher) *Router {
	return &Router{webhook: webhook, publisher: publisher}
}

// Send performs one delivery attempt.
func (r *Router) Send(ctx context.Context, ep relay.Endpoint, n relay.Notification) error {
	scheme, topic, err := Parse(ep.URL)
	if err != nil {
		return err
	}
	switch scheme {
	case SchemeHTTPS, SchemeHTTP:
		if r.webhook == nil {
			return fmt.Errorf("%w: no webhook transport configured", ErrUnsupportedScheme)
		}
		return r.webhook.Send(ctx, ep, n)
	case SchemePubSub:
		if r.publisher == nil {
			return fmt.Errorf("%w: no pubsub transport configured", ErrUnsupportedScheme)
		}
		if _, err := r.publisher.Publish(ctx, topic, NewMessage(n)); err != nil {
			return fmt.Errorf("publish notification: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Parse validates an endpoint URL and returns its scheme and, for pubsub
// endpoints, the topic.
func Parse(raw string) (scheme, topic string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint url: %w", err)
	}
	scheme = strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeHTTPS, SchemeHTTP:
		if u.Host == "" {
			return "", "", fmt.Errorf("endpoint url %q has no host", u.Redacted())
		}
	case SchemePubSub:
		topic = u.Host + strings.TrimSuffix(u.Path, "/")
		if topic == "" {
			return "", "", errors.New("pubsub endpoint has no topic")
		}
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return scheme, topic, nil
}

// Message is the JSON body published for pubsub endpoints.
type Message struct {
	Key          string         `json:"key,omitempty"`
	Items        int            `json:"items"`
	Notification relay.Fragment `json:"notification"`
	PublishedAt  time.Time      `json:"published_at"`
}

// NewMessage wraps a notification for publishing.
func NewMessage(n relay.Notification) Message {
	return Message{Key: n.Key, Items: n.Items, Notification: n.Fragment, PublishedAt: time.Now().UTC()}
}

// Attributes exposes routing metadata as Pub/Sub attributes.
func (m Message) Attributes() map[string]string {
	attrs := map[string]string{"items": strconv.Itoa(m.Items)}
	if m.Key != "" {
		attrs["key"] = m.Key
	}
	return attrs
}
