package address

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukerupert/switchboard/internal/domain"
	"github.com/dukerupert/switchboard/internal/resilience"
)

// ErrNotConfigured means no address provider credentials were supplied.
var ErrNotConfigured = errors.New("address: provider not configured")

// HTTPClient talks to an address verification and autocomplete REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  resilience.Doer
}

// NewHTTPClient creates an address provider client. client is normally a
// resilience.BreakerClient.
func NewHTTPClient(baseURL, apiKey string, client resilience.Doer) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

type wireAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func toWire(a domain.Address) wireAddress {
	return wireAddress{
		Line1:      a.Street,
		Line2:      a.Street2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

func (w wireAddress) domain() domain.Address {
	return domain.Address{
		Street:     w.Line1,
		Street2:    w.Line2,
		City:       w.City,
		Region:     w.Region,
		PostalCode: w.PostalCode,
		Country:    w.Country,
	}
}

type verifyResponse struct {
	Deliverable bool         `json:"deliverable"`
	Corrected   *wireAddress `json:"corrected"`
	Issues      []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"issues"`
}

// Validate posts the address to /v1/verify.
func (c *HTTPClient) Validate(ctx context.Context, addr domain.Address) (*ValidationResult, error) {
	var resp verifyResponse
	if err := c.do(ctx, http.MethodPost, "/v1/verify", toWire(addr), &resp); err != nil {
		return nil, err
	}

	result := &ValidationResult{IsValid: resp.Deliverable}
	if resp.Corrected != nil {
		n := resp.Corrected.domain()
		result.NormalizedAddress = &n
	}
	for _, issue := range resp.Issues {
		result.Errors = append(result.Errors, ValidationError{Field: issue.Field, Message: issue.Message})
	}
	return result, nil
}

type suggestResponse struct {
	Results []struct {
		Label   string      `json:"label"`
		Address wireAddress `json:"address"`
	} `json:"results"`
}

// Suggest queries /v1/autocomplete.
func (c *HTTPClient) Suggest(ctx context.Context, query string) (*Suggestions, error) {
	out := &Suggestions{Query: query, Items: []Suggestion{}}
	if strings.TrimSpace(query) == "" {
		return out, nil
	}

	var resp suggestResponse
	if err := c.do(ctx, http.MethodGet, "/v1/autocomplete?q="+url.QueryEscape(query), nil, &resp); err != nil {
		return nil, err
	}
	for _, r := range resp.Results {
		out.Items = append(out.Items, Suggestion{Label: r.Label, Address: r.Address.domain()})
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	if c.baseURL == "" || c.apiKey == "" {
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

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("address provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("address provider returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse address provider response: %w", err)
	}
	return nil
}
