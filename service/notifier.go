package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"dvr-uploader/config"
	"dvr-uploader/dto"
)

const notifierUserAgent = "DVR-Uploader/1.0"

// Notifier delivers an upload notification to the configured webhook
// endpoint. A single call makes a single attempt; retry bounds live in the
// pipeline so all phases share one policy.
type Notifier struct {
	url    string
	secret string
	client *http.Client
}

// NewNotifier returns nil when no webhook URL is configured, which skips the
// notify phase entirely.
func NewNotifier(cfg config.Webhook) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *Notifier) Notify(ctx context.Context, notification dto.UploadNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", notifierUserAgent)
	if n.secret != "" {
		req.Header.Set("X-Webhook-Secret", n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	zerolog.Ctx(ctx).Info().Str("filename", notification.Filename).Msg("webhook delivered")
	return nil
}
