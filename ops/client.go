package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client asks a running rentald to start or stop monitoring an agreement.
// Commands that change agreements from a separate process use it as their
// subscriber.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

func (c *Client) AddSubscriptionsFor(ctx context.Context, agreementID string) error {
	return c.do(ctx, http.MethodPost, agreementID, http.StatusAccepted)
}

// StopSubscriptionsFor asks the server to drop every stream of the agreement.
// Operators use it to retire an agreement whose contracts are abandoned.
func (c *Client) StopSubscriptionsFor(ctx context.Context, agreementID string) error {
	if err := c.do(ctx, http.MethodDelete, agreementID, http.StatusNoContent); err != nil {
		c.log.Warn("stop subscriptions", "agreement_id", agreementID, "error", err)
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, agreementID string, want int) error {
	target := c.base + "/agreements/" + url.PathEscape(agreementID) + "/subscriptions"
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("ops: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ops: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("ops: %s %s: unexpected status %s", method, target, resp.Status)
	}
	return nil
}
