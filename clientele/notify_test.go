package clientele

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMembershipEvent() MembershipEvent {
	return MembershipEvent{
		MemberID:     "user-1",
		MemberTag:    "jordan#0",
		ResolvedName: "Jordan",
		BusinessName: "Acme",
		CategoryName: "Jordan - Acme",
		JoinedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotifyPayload(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotContentType = r.Header.Get("Content-Type")
				gotBody, _ = io.ReadAll(r.Body)
				w.WriteHeader(http.StatusOK)
			},
		),
	)
	t.Cleanup(srv.Close)

	n := newNotificationDispatcher(
		&WebhookConfig{URL: srv.URL, Timeout: 5 * time.Second},
		srv.Client(),
		nil,
	)
	require.True(t, n.Enabled())

	require.NoError(t, n.Notify(context.Background(), testMembershipEvent()))
	assert.Equal(t, "application/json", gotContentType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "user-1", payload["discordId"])
	assert.Equal(t, "jordan#0", payload["discordTag"])
	assert.Equal(t, "Jordan", payload["firstname"])
	assert.Equal(t, "Acme", payload["businessName"])
	assert.Equal(t, "Jordan - Acme", payload["categoryName"])
	assert.Contains(t, payload, "joinedAt")
}

func TestNotifyNon2xxResponse(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		),
	)
	t.Cleanup(srv.Close)

	n := newNotificationDispatcher(
		&WebhookConfig{URL: srv.URL, Timeout: 5 * time.Second},
		srv.Client(),
		nil,
	)

	err := n.Notify(context.Background(), testMembershipEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNotifyDisabled(t *testing.T) {
	n := newNotificationDispatcher(&WebhookConfig{}, nil, nil)
	assert.False(t, n.Enabled())

	// no URL configured means a silent no-op, not an error
	assert.NoError(t, n.Notify(context.Background(), testMembershipEvent()))
}

func TestNotifyTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				<-blocked
			},
		),
	)
	t.Cleanup(
		func() {
			close(blocked)
			srv.Close()
		},
	)

	n := newNotificationDispatcher(
		&WebhookConfig{URL: srv.URL, Timeout: 50 * time.Millisecond},
		srv.Client(),
		nil,
	)

	err := n.Notify(context.Background(), testMembershipEvent())
	require.Error(t, err)
}
