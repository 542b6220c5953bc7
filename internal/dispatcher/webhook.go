package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Webhook headers.
const (
	HeaderSecret     = "X-Sched-Secret"
	HeaderSignature  = "X-Sched-Signature"
	HeaderDeliveryID = "X-Sched-Delivery-ID"
)

// defaultSendTimeout applies when the context carries no deadline.
const defaultSendTimeout = 30 * time.Second

// maxResponseBody bounds how much of the receiver's reply is read.
const maxResponseBody = 64 << 10

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// callbackResponse is the optional JSON a receiver returns with a 2xx.
type callbackResponse struct {
	Ack       *bool  `json:"ack"`
	Retry     *int64 `json:"retry"`     // milliseconds from now
	RetryDate *int64 `json:"retryDate"` // epoch milliseconds
}

// Send posts the webhook payload with HMAC signature.
// Headers: X-Sched-Secret, X-Sched-Signature, X-Sched-Delivery-ID.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSendTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderSecret, req.Secret)
	httpReq.Header.Set(HeaderSignature, computeSignature(req.Secret, body))
	httpReq.Header.Set(HeaderDeliveryID, req.DeliveryID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	result := WebhookResult{StatusCode: resp.StatusCode}
	if result.IsSuccess() {
		parseCallback(req.Payload.ID, resp.Body, &result)
	}
	result.Duration = time.Since(start)
	return result
}

// parseCallback reads the receiver's optional {ack, retry, retryDate}
// reply. An empty body is a plain success; malformed JSON is ignored.
func parseCallback(jobID string, r io.Reader, result *WebhookResult) {
	raw, err := io.ReadAll(io.LimitReader(r, maxResponseBody))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return
	}

	var cb callbackResponse
	if err := json.Unmarshal(raw, &cb); err != nil {
		log.Printf("dispatcher: job=%s invalid callback response, ignored: %v", jobID, err)
		return
	}

	result.Ack = cb.Ack
	if cb.Retry != nil && *cb.Retry > 0 {
		result.RetryAfter = time.Duration(*cb.Retry) * time.Millisecond
	}
	if cb.RetryDate != nil && *cb.RetryDate > 0 {
		result.RetryAt = time.UnixMilli(*cb.RetryDate).UTC()
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
