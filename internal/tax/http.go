package tax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dukerupert/switchboard/internal/resilience"
	"github.com/shopspring/decimal"
)

// HTTPProvider calls the telecom tax service's REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  resilience.Doer
}

type quoteResponse struct {
	SubmissionID string `json:"submission_id"`
	Lines        []struct {
		Description string          `json:"description"`
		Amount      decimal.Decimal `json:"amount"`
		OneTime     bool            `json:"one_time"`
	} `json:"lines"`
	Total decimal.Decimal `json:"total"`
}

// NewHTTPProvider creates a tax service client. client is normally a
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

// Quote posts the request to /v1/quotes.
func (p *HTTPProvider) Quote(ctx context.Context, req Request) (*Quote, error) {
	if p.baseURL == "" || p.apiKey == "" {
		return nil, ErrNotConfigured
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tax request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/quotes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w (status %d): %s", ErrRejected, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("%w (status %d)", ErrUnavailable, resp.StatusCode)
	}

	var result quoteResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrUnavailable, err)
	}

	q := &Quote{
		SubmissionID: result.SubmissionID,
		Total:        result.Total,
		PostalCode:   req.PostalCode,
		Lines:        make([]Line, 0, len(result.Lines)),
	}
	for _, l := range result.Lines {
		q.Lines = append(q.Lines, Line{Description: l.Description, Amount: l.Amount, OneTime: l.OneTime})
	}
	return q, nil
}
