package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// Fragment is one title/description-shaped piece of notification content.
// An empty Description is treated as absent when fragments are merged.
type Fragment struct {
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	Color       int       `json:"color,omitempty"`
	Author      *Author   `json:"author,omitempty"`
	Footer      *Footer   `json:"footer,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// Author is the attribution line shown above a notification title.
type Author struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// Footer is the small text line rendered under a notification.
type Footer struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

// Event is one unit of ingested work. An empty Key means the event is never
// coalesced and flushes on the next scheduler iteration.
type Event struct {
	ID         string
	Key        string
	Fragment   Fragment
	ReceivedAt time.Time
}

// Coalesced reports whether the event participates in debouncing.
func (e Event) Coalesced() bool {
	return strings.TrimSpace(e.Key) != ""
}

// Notification is the merged output of one flushed group.
type Notification struct {
	Fragment
	// Key is the coalescing key the notification was built from ("" for singletons).
	Key string `json:"-"`
	// Items counts the fragments merged into this notification.
	Items int `json:"-"`
}

// Endpoint is one configured delivery destination.
type Endpoint struct {
	Name string `mapstructure:"name" json:"name"`
	URL  string `mapstructure:"url" json:"url"`
}

// Label returns a log-safe identifier for the endpoint. Webhook URLs embed
// their secret token, so the URL itself is never used. Unnamed endpoints are
// still told apart: Discord-style webhooks keep their numeric id, anything
// else gets a short digest of the full URL.
func (e Endpoint) Label() string {
	if e.Name != "" {
		return e.Name
	}
	u, err := url.Parse(e.URL)
	if err != nil || u.Scheme == "" {
		return "endpoint-" + digest(e.URL)
	}
	if u.Host == "" && u.Opaque == "" {
		return "endpoint-" + digest(e.URL)
	}
	base := u.Scheme + "://" + u.Host
	if u.Scheme != "http" && u.Scheme != "https" {
		// pubsub://topic and similar carry no credentials.
		return base + u.Path
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] == "webhooks" && segs[i+1] != "" {
			return base + "/" + strings.Join(segs[:i+2], "/")
		}
	}
	return base + "#" + digest(e.URL)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// Result reports the outcome of one delivery attempt.
type Result struct {
	Endpoint Endpoint
	Err      error
	Duration time.Duration
}

// OK reports whether the delivery succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// DeliveryRecord is persisted for every delivery attempt when a delivery log
// is configured.
type DeliveryRecord struct {
	ID          string
	Key         string
	Endpoint    string
	Items       int
	Success     bool
	Error       string
	DeliveredAt time.Time
	Duration    time.Duration
}
