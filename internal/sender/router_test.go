package sender

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/plexrelay/internal/publisher/memory"
	"github.com/JakeFAU/plexrelay/internal/relay"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		scheme  string
		topic   string
		wantErr bool
	}{
		{raw: "https://discord.com/api/webhooks/1/abc", scheme: "https"},
		{raw: "pubsub://plex-events", scheme: "pubsub", topic: "plex-events"},
		{raw: "pubsub://", wantErr: true},
		{raw: "https:///nohost", wantErr: true},
		{raw: "ftp://example.com", wantErr: true},
	}
	for _, tc := range cases {
		scheme, topic, err := Parse(tc.raw)
		if tc.wantErr {
			require.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.scheme, scheme)
		assert.Equal(t, tc.topic, topic)
	}
}

func TestRouterDispatchesByScheme(t *testing.T) {
	t.Parallel()

	var webhookCalls int
	webhook := relay.SenderFunc(func(context.Context, relay.Endpoint, relay.Notification) error {
		webhookCalls++
		return nil
	})
	pub := memory.New()
	r := New(webhook, pub)

	n := relay.Notification{Fragment: relay.Fragment{Title: "t"}, Key: "k", Items: 2}
	require.NoError(t, r.Send(context.Background(), relay.Endpoint{URL: "https://hooks.test/1"}, n))
	require.NoError(t, r.Send(context.Background(), relay.Endpoint{URL: "pubsub://plex"}, n))

	assert.Equal(t, 1, webhookCalls)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "plex", msgs[0].Topic)
	msg, ok := msgs[0].Payload.(Message)
	require.True(t, ok)
	assert.Equal(t, "k", msg.Key)
	assert.Equal(t, map[string]string{"items": "2", "key": "k"}, msg.Attributes())
}

func TestRouterMissingTransport(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	err := r.Send(context.Background(), relay.Endpoint{URL: "pubsub://plex"}, relay.Notification{})
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	err = r.Send(context.Background(), relay.Endpoint{URL: "https://hooks.test"}, relay.Notification{})
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestRouterPublishError(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	err := New(nil, pub).Send(context.Background(), relay.Endpoint{URL: "pubsub://plex"}, relay.Notification{})
	require.ErrorContains(t, err, "unavailable")
}
