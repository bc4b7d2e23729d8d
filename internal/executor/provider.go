package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/modfin/henry/slicez"
	"github.com/relaypoint/drip"
)

// Verdict is what the transport provider said about one send.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
	VerdictTimeout  Verdict = "timeout"
)

type SendResult struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

// Provider is the external transport collaborator. The executor treats
// accepted as success, rejected with a permanent reason as bounce, and
// everything else, timeouts and transport errors included, as transient.
type Provider interface {
	Send(ctx context.Context, channel drip.Channel, destination, identity, content string) (SendResult, error)
}

// Permanent rejection reasons; anything else on a rejected verdict is
// treated as transient, erring towards retry over losing a lead.
var permanentReasons = []string{
	"invalid_address",
	"invalid_number",
	"hard_bounce",
	"carrier_block",
	"unsubscribed",
}

func IsPermanent(reason string) bool {
	return slicez.Contains(permanentReasons, reason)
}

// HTTPProvider posts sends to a provider gateway as JSON. One URL per
// channel so email and sms gateways can differ.
type HTTPProvider struct {
	EmailURL string
	SMSURL   string
	Client   *http.Client
}

func (p *HTTPProvider) Send(ctx context.Context, channel drip.Channel, destination, identity, content string) (SendResult, error) {
	url := p.EmailURL
	if channel == drip.ChannelSMS {
		url = p.SMSURL
	}
	if url == "" {
		return SendResult{}, fmt.Errorf("no provider url configured for channel %s", channel)
	}

	body, err := json.Marshal(map[string]string{
		"channel":     string(channel),
		"destination": destination,
		"identity":    identity,
		"content":     content,
	})
	if err != nil {
		return SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Add("content-type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if errors.Is(err, context.DeadlineExceeded) {
		return SendResult{Verdict: VerdictTimeout}, nil
	}
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return SendResult{}, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, err
	}
	var r SendResult
	err = json.Unmarshal(respBytes, &r)
	if err != nil {
		return SendResult{}, fmt.Errorf("could not parse provider response, %w", err)
	}
	return r, nil
}
