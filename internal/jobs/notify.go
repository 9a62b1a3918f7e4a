package jobs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/resilience"
	"github.com/shopspring/decimal"
)

// OrderWebhookPayload is posted to the order intake system once a payment
// succeeds.
type OrderWebhookPayload struct {
	OrderID         string                `json:"order_id"`
	SessionID       string                `json:"session_id"`
	PaymentIntentID string                `json:"payment_intent_id"`
	SubmissionID    string                `json:"submission_id,omitempty"`
	Contact         domain.Contact        `json:"contact"`
	Shipping        domain.Address        `json:"shipping"`
	Billing         domain.Address        `json:"billing"`
	Phone           domain.PhoneSelection `json:"phone"`
	Tier            domain.PlanTier       `json:"tier"`
	Users           int                   `json:"users"`
	CallingMode     domain.CallingMode    `json:"calling_mode"`
	Hardware        map[string]int        `json:"hardware,omitempty"`
	OwnDevices      int                   `json:"own_devices"`
	AddOns          domain.AddOns         `json:"add_ons"`
	Lines           []domain.ReceiptLine  `json:"lines"`
	Tax             decimal.Decimal       `json:"tax"`
	TaxEstimated    bool                  `json:"tax_estimated"`
	Total           decimal.Decimal       `json:"total"`
	PlacedAt        time.Time             `json:"placed_at"`
}

// WebhookNotifier posts order notifications to a configured URL.
type WebhookNotifier struct {
	url    string
	secret string
	client resilience.Doer
}

// NewWebhookNotifier returns a notifier posting to url. When secret is set
// every request carries X-Timestamp and an X-Signature computed by Sign.
func NewWebhookNotifier(url, secret string, client resilience.Doer) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, secret: secret, client: client}
}

// Send posts the payload. Any non-2xx response is an error.
func (n *WebhookNotifier) Send(ctx context.Context, payload OrderWebhookPayload) error {
	if n.url == "" {
		return fmt.Errorf("order webhook url not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal order webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build order webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.OrderID)
	if n.secret != "" {
		ts := time.Now().Unix()
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Signature", Sign(n.secret, ts, payload.OrderID, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("order webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("order webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign is the hex HMAC-SHA256 of "<ts>.<orderID>.<body>" under secret. The
// receiver recomputes it and rejects stale timestamps.
func Sign(secret string, ts int64, orderID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(orderID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ProcessOrderWebhook delivers a notify:order_webhook entry.
func ProcessOrderWebhook(ctx context.Context, e Entry, n *WebhookNotifier) error {
	var payload OrderWebhookPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal order webhook payload: %w", err)
	}
	return n.Send(ctx, payload)
}
