package numbers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dukerupert/switchboard/internal/resilience"
)

// HTTPProvider calls the carrier's REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  resilience.Doer
}

// NewHTTPProvider creates a provisioning client. client is normally a
// resilience.BreakerClient.
func NewHTTPProvider(baseURL, apiKey string, client resilience.Doer) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// Search calls GET /v1/numbers/available.
func (p *HTTPProvider) Search(ctx context.Context, areaCode string, limit int) ([]AvailableNumber, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("area_code", areaCode)
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Numbers []AvailableNumber `json:"numbers"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/numbers/available?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Numbers == nil {
		resp.Numbers = []AvailableNumber{}
	}
	return resp.Numbers, nil
}

// CheckPortability calls POST /v1/portability.
func (p *HTTPProvider) CheckPortability(ctx context.Context, number string) (*Portability, error) {
	var resp Portability
	if err := p.do(ctx, http.MethodPost, "/v1/portability", map[string]string{"number": number}, &resp); err != nil {
		return nil, err
	}
	resp.Number = number
	return &resp, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reserve calls POST /v1/reservations. 409 means the number was taken;
// 429 with code capacity_limit maps to ErrCapacityLimit.
func (p *HTTPProvider) Reserve(ctx context.Context, number, sessionID string) (*Reservation, error) {
	var resp Reservation
	if err := p.do(ctx, http.MethodPost, "/v1/reservations", map[string]string{
		"number":    number,
		"reference": sessionID,
	}, &resp); err != nil {
		return nil, err
	}
	resp.Number = number
	return &resp, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, in, out any) error {
	if p.baseURL == "" || p.apiKey == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("numbers provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusConflict:
		return ErrUnavailable
	case resp.StatusCode == http.StatusTooManyRequests:
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Code == "capacity_limit" {
			return ErrCapacityLimit
		}
		return fmt.Errorf("numbers provider rate limited: %s", eb.Message)
	default:
		return fmt.Errorf("numbers provider returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse numbers provider response: %w", err)
	}
	return nil
}
