package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Correlation is one correlation result for a (threat, vulnerability) pair.
type Correlation struct {
	Confidence         float64 `json:"confidence"`
	ActiveExploitation bool    `json:"active_exploitation"`
	TrendingUp         bool    `json:"trending_up"`
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the external threat-intel correlation service. Callers
// must treat failures as advisory-only: classification proceeds without
// enrichment when the service is unavailable.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type correlateRequest struct {
	Threats         []string `json:"threats"`
	Vulnerabilities []string `json:"vulnerabilities"`
}

type correlateResponse struct {
	Correlations []Correlation `json:"correlations"`
}

func (c *Client) Correlate(ctx context.Context, threats, vulnerabilities []string) ([]Correlation, error) {
	payload, err := json.Marshal(correlateRequest{
		Threats:         threats,
		Vulnerabilities: vulnerabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling correlate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/correlate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling correlation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("correlation service returned status %d", resp.StatusCode)
	}

	var out correlateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding correlate response: %w", err)
	}

	return out.Correlations, nil
}
