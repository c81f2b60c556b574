package clientele

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doAPIRequest(
	t testing.TB,
	c *Clientele,
	method string,
	path string,
	body string,
	headers map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	c.api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIRoot(t *testing.T) {
	c, _ := newTestClientele(t)

	w := doAPIRequest(t, c, http.MethodGet, apiPathRoot, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Acme Discord Bot is running.", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPIHealthCheck(t *testing.T) {
	c, _ := newTestClientele(t)
	c.discord.handlerConnect()(nil, nil)
	c.joinsHandled.Add(2)
	c.invitesCreated.Add(3)
	started := time.Now()
	c.startedAt.Store(&started)

	w := doAPIRequest(t, c, http.MethodGet, apiHealthCheck, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["discord_connected"])
	assert.Contains(t, body, "uptime")
	assert.Equal(t, float64(1), body["discord_connects"])
	assert.Equal(t, float64(0), body["discord_disconnects"])
	assert.Equal(t, float64(2), body["joins_handled"])
	assert.Equal(t, float64(3), body["invites_created"])
}

func TestAPIInviteMap(t *testing.T) {
	c, _ := newTestClientele(t)

	w := doAPIRequest(
		t, c, http.MethodPost, apiPathInviteMap,
		`{"inviteCode": "abc123", "firstname": "Jordan"}`,
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)

	name, ok := c.registry.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "Jordan", name)
}

func TestAPIInviteMapBadRequest(t *testing.T) {
	c, _ := newTestClientele(t)

	for _, body := range []string{
		``,
		`not json`,
		`{}`,
		`{"inviteCode": "abc123"}`,
		`{"firstname": "Jordan"}`,
		`{"inviteCode": "   ", "firstname": "Jordan"}`,
	} {
		w := doAPIRequest(t, c, http.MethodPost, apiPathInviteMap, body, nil)
		assert.Equalf(
			t,
			http.StatusBadRequest,
			w.Code,
			"expected 400 for body: %q",
			body,
		)
	}
}

func TestAPIPostInviteButton(t *testing.T) {
	c, session := newTestClientele(t)
	c.config.API.Secret = "test-secret"
	c.discord.connected.Store(true)

	w := doAPIRequest(
		t, c, http.MethodPost, apiPathPostInviteButton, "",
		map[string]string{xZapierSecretHeader: "test-secret"},
	)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, session.complexSends, 1)
	assert.Equal(t, "chan-request", session.complexSends[0].ChannelID)
	// the request's context rides along so discord calls end with it
	assert.NotEmpty(t, session.complexSends[0].Opts)
}

func TestAPIPostInviteButtonAuth(t *testing.T) {
	c, session := newTestClientele(t)
	c.config.API.Secret = "test-secret"
	c.discord.connected.Store(true)

	// wrong secret
	w := doAPIRequest(
		t, c, http.MethodPost, apiPathPostInviteButton, "",
		map[string]string{xZapierSecretHeader: "wrong"},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// missing header
	w = doAPIRequest(t, c, http.MethodPost, apiPathPostInviteButton, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, session.complexSends)
}

func TestAPIPostInviteButtonNoSecretConfigured(t *testing.T) {
	c, session := newTestClientele(t)
	c.discord.connected.Store(true)

	// an unset secret rejects everything, even an empty header match
	w := doAPIRequest(
		t, c, http.MethodPost, apiPathPostInviteButton, "",
		map[string]string{xZapierSecretHeader: ""},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, session.complexSends)
}

func TestAPIPostInviteButtonNotConnected(t *testing.T) {
	c, session := newTestClientele(t)
	c.config.API.Secret = "test-secret"

	w := doAPIRequest(
		t, c, http.MethodPost, apiPathPostInviteButton, "",
		map[string]string{xZapierSecretHeader: "test-secret"},
	)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, session.complexSends)
}

func TestAPIPostInviteButtonRateLimited(t *testing.T) {
	c, session := newTestClientele(t)
	c.config.API.Secret = "test-secret"
	c.discord.connected.Store(true)

	headers := map[string]string{xZapierSecretHeader: "test-secret"}

	w := doAPIRequest(t, c, http.MethodPost, apiPathPostInviteButton, "", headers)
	require.Equal(t, http.StatusOK, w.Code)

	// burst exhausted - an immediate retry is throttled
	w = doAPIRequest(t, c, http.MethodPost, apiPathPostInviteButton, "", headers)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	require.Len(t, session.complexSends, 1)
}

func TestAPIPostInviteButtonDiscordError(t *testing.T) {
	c, session := newTestClientele(t)
	c.config.API.Secret = "test-secret"
	c.discord.connected.Store(true)

	session.complexSendErr = &discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{
			Code: discordgo.ErrCodeMissingPermissions,
		},
		// RESTError.Error() dereferences Response unconditionally, so the
		// fixture needs a non-nil Response for the handler to log the error.
		Response: &http.Response{
			Status:     "403 Forbidden",
			StatusCode: http.StatusForbidden,
		},
	}
	w := doAPIRequest(
		t, c, http.MethodPost, apiPathPostInviteButton, "",
		map[string]string{xZapierSecretHeader: "test-secret"},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPIRequestMetrics(t *testing.T) {
	c, _ := newTestClientele(t)

	doAPIRequest(t, c, http.MethodGet, apiPathRoot, "", nil)
	doAPIRequest(t, c, http.MethodGet, apiPathRoot, "", nil)
	doAPIRequest(t, c, http.MethodGet, apiHealthCheck, "", nil)

	c.api.requestMetricsMu.Lock()
	defer c.api.requestMetricsMu.Unlock()
	assert.Equal(t, 2, c.api.requestMetrics["GET /"])
	assert.Equal(t, 1, c.api.requestMetrics["GET /healthz"])
}
