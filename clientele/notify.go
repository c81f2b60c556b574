package clientele

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lmittmann/tint"
)

// NotificationDispatcher fires a single JSON POST at the configured
// automation webhook for each successful client join. Delivery is
// strictly best-effort: failures are logged by the caller and never
// affect the join handler's outcome.
type NotificationDispatcher struct {
	config     *WebhookConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func newNotificationDispatcher(
	config *WebhookConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *NotificationDispatcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationDispatcher{
		config:     config,
		httpClient: httpClient,
		logger:     logger.With(loggerNameKey, "notifier"),
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *NotificationDispatcher) Enabled() bool {
	return n.config != nil && n.config.Enabled()
}

// Notify POSTs the join event to the configured endpoint. A non-2xx
// response counts as failure. The call is bounded by the configured
// timeout on top of the caller's context.
func (n *NotificationDispatcher) Notify(
	ctx context.Context,
	event MembershipEvent,
) error {
	if !n.Enabled() {
		n.logger.DebugContext(ctx, "webhook url not set, skipping notification")
		return nil
	}

	if n.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error marshaling join notification: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		n.config.URL,
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("error creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rv, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending join notification: %w", err)
	}
	defer func() {
		if closeErr := rv.Body.Close(); closeErr != nil {
			n.logger.Warn("error closing webhook response body", tint.Err(closeErr))
		}
	}()

	if rv.StatusCode < http.StatusOK || rv.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf(
			"join notification rejected: %s (%d)", rv.Status, rv.StatusCode,
		)
	}

	n.logger.InfoContext(
		ctx,
		"notified automation webhook of new member join",
		"member_id", event.MemberID,
		"category", event.CategoryName,
	)
	return nil
}
