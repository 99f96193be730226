package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
)

const (
	HeaderAttemptID  = "X-DeliveryGuard-Attempt-ID"
	HeaderInstanceID = "X-DeliveryGuard-Instance-ID"
	HeaderSignature  = "X-DeliveryGuard-Signature"
)

// WebhookPayload is the JSON body posted to http targets.
type WebhookPayload struct {
	InstanceID   string `json:"instance_id"`
	DefinitionID string `json:"definition_id"`
	Definition   string `json:"definition"`
	ClusterID    string `json:"cluster_id"`
	PayloadRef   string `json:"payload_ref"`
	Attempt      int    `json:"attempt"`
	CreatedAt    string `json:"created_at"`
}

type Webhook struct {
	client *http.Client
}

func NewWebhook() *Webhook {
	return &Webhook{
		client: &http.Client{},
	}
}

// WithHTTPClient replaces the default client.
func (w *Webhook) WithHTTPClient(c *http.Client) *Webhook {
	w.client = c
	return w
}

// Dispatch posts the payload with an HMAC signature over the body.
// 200-299 except 202 is an ack, 202 means the target will report later,
// 429 and 5xx are retryable, any other status is permanent.
func (w *Webhook) Dispatch(ctx context.Context, req Request) Result {
	start := time.Now()

	body, err := json.Marshal(WebhookPayload{
		InstanceID:   string(req.Instance.ID),
		DefinitionID: string(req.Definition.ID),
		Definition:   req.Definition.Name,
		ClusterID:    string(req.Instance.ClusterID),
		PayloadRef:   req.Instance.PayloadRef,
		Attempt:      req.Instance.Attempts,
		CreatedAt:    req.Instance.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{Kind: KindNack, Err: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	timeout := req.Definition.Policy.AckTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.Definition.Target, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: KindNack, Err: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderAttemptID, req.AttemptID)
	httpReq.Header.Set(HeaderInstanceID, string(req.Instance.ID))
	httpReq.Header.Set(HeaderSignature, computeSignature(req.Definition.Secret, body))

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxTimeout.Err(), context.DeadlineExceeded) {
			return Result{
				Kind:     KindTimeout,
				Err:      fmt.Errorf("%w: %v", domain.ErrConnectorTimeout, err),
				Duration: time.Since(start),
			}
		}
		return Result{Kind: KindNack, Retryable: true, Err: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return classify(resp.StatusCode, time.Since(start))
}

func classify(status int, d time.Duration) Result {
	r := Result{StatusCode: status, Duration: d}
	switch {
	case status == http.StatusAccepted:
		r.Kind = KindDispatched
	case status >= 200 && status < 300:
		r.Kind = KindAck
	case status == http.StatusTooManyRequests || status >= 500:
		r.Kind = KindNack
		r.Retryable = true
	default:
		r.Kind = KindNack
	}
	return r
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

var _ Connector = (*Webhook)(nil)
