package drip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func NewClient(apiKey string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:   host,
		apiKey: apiKey,
	}
}

// Client talks to the dripd HTTP API, used by the drip cli and by anything
// that wants to trigger a run programmatically.
type Client struct {
	host   string
	apiKey string
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(b)
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path+sep+"key="+c.apiKey, buf)
	if err != nil {
		return err
	}
	req.Header.Add("content-type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, string(respBytes))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBytes, out)
}

// Trigger starts one scheduler run and blocks until it returns its summary.
func (c *Client) Trigger(ctx context.Context, action Action) (RunSummary, error) {
	var s RunSummary
	err := c.do(ctx, http.MethodPost, "/trigger?action="+string(action), nil, &s)
	return s, err
}

// Webhook delivers an external lifecycle event. Redelivery with the same
// event id is a no-op on the server side.
func (c *Client) Webhook(ctx context.Context, event WebhookEvent) error {
	return c.do(ctx, http.MethodPost, "/webhook/"+string(event.Kind), event, nil)
}

// AddDomain registers a sending domain; warmup starts immediately.
func (c *Client) AddDomain(ctx context.Context, domain string, productionLimit int) (SendingDomain, error) {
	var d SendingDomain
	err := c.do(ctx, http.MethodPost, "/domains", map[string]any{
		"domain":           domain,
		"production_limit": productionLimit,
	}, &d)
	return d, err
}

// ForceActivate flips a domain straight to warmup done. The reputation
// restart path still applies afterwards.
func (c *Client) ForceActivate(ctx context.Context, domainID string) error {
	return c.do(ctx, http.MethodPost, "/domains/"+domainID+"/force-activate", nil, nil)
}

// DashboardSummary is the read-only aggregate the admin ui consumes.
type DashboardSummary struct {
	Domains   []SendingDomain `json:"domains"`
	Phones    []PhoneNumber   `json:"phones"`
	Campaigns []Campaign      `json:"campaigns"`
	SMSOnly   bool            `json:"sms_only"`
}

func (c *Client) Summary(ctx context.Context) (DashboardSummary, error) {
	var s DashboardSummary
	err := c.do(ctx, http.MethodGet, "/dashboard/summary", nil, &s)
	return s, err
}

func (c *Client) Metrics(ctx context.Context, day string) (DailyMetrics, error) {
	var m DailyMetrics
	err := c.do(ctx, http.MethodGet, "/dashboard/metrics/"+day, nil, &m)
	return m, err
}
