package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/scribeworks/minuterelay/internal/delivery"
)

const (
	DefaultSignatureHeader = "X-MinuteRelay-Signature" // sha256=<hex>
	DefaultTimestampHeader = "X-MinuteRelay-Timestamp" // unix seconds
)

// WebhookConfig configures the chat-platform webhook transport.
type WebhookConfig struct {
	URL             string
	Secret          string
	SignatureHeader string
	TimestampHeader string
}

// Webhook posts the minutes as a signed JSON card to a chat-platform
// incoming webhook.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook returns a chat webhook adapter. A nil client falls back to a
// default; the per-call bound is enforced by the breaker's context, not by
// a client timeout.
func NewWebhook(cfg WebhookConfig, client *http.Client) *Webhook {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = DefaultTimestampHeader
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{cfg: cfg, client: client}
}

func (w *Webhook) Name() delivery.Channel { return delivery.ChannelChat }

// chatCard is the payload shape the chat platform renders.
type chatCard struct {
	CorrelationID string   `json:"correlation_id"`
	Title         string   `json:"title"`
	Text          string   `json:"text"`
	ArtifactURL   string   `json:"artifact_url"`
	Mentions      []string `json:"mentions,omitempty"`
}

func (w *Webhook) Send(ctx context.Context, req *delivery.Request) error {
	card := chatCard{
		CorrelationID: req.CorrelationID,
		Title:         req.Subject,
		Text:          req.Body,
		ArtifactURL:   req.ArtifactRef,
	}
	for _, r := range req.Recipients {
		if r.Name != "" {
			card.Mentions = append(card.Mentions, r.Name)
		}
	}
	body, err := json.Marshal(card)
	if err != nil {
		return delivery.Permanent(fmt.Errorf("marshal chat card: %w", err))
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return delivery.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(w.cfg.TimestampHeader, ts)
	httpReq.Header.Set(w.cfg.SignatureHeader, "sha256="+Sign(w.cfg.Secret, body, ts))

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return delivery.Timeout(err)
		}
		// DNS, refused connection, reset: worth another try.
		return delivery.Transient(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps a webhook HTTP status onto the failure taxonomy.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout:
		return delivery.Timeout(fmt.Errorf("webhook returned %d", status))
	case status == http.StatusTooManyRequests, status >= 500:
		return delivery.Transient(fmt.Errorf("webhook returned %d", status))
	default:
		return delivery.Permanent(fmt.Errorf("webhook returned %d", status))
	}
}

// Sign computes the hex HMAC-SHA256 over body||timestamp.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the shared secret,
// rejecting timestamps outside the allowed skew. Used by receivers.
func VerifySignature(secret string, body []byte, ts, sig string, leeway time.Duration) error {
	if ts == "" || sig == "" {
		return errors.New("missing signature headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.New("invalid timestamp")
	}
	skew := time.Now().Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return errors.New("timestamp outside leeway")
	}
	got := sig
	if len(got) > 7 && got[:7] == "sha256=" {
		got = got[7:]
	}
	want := Sign(secret, body, ts)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}
