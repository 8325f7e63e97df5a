// Package notify drives the chatbot messages sent around a validation:
// "under review" at intake and "approved"/"rejected" on terminal outcomes.
// Every call is best effort; a failed notification never rolls back job or
// member state.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"lead-validator/internal/models"
)

// Terminal outcomes accepted by Notify.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Flows maps outcomes to chatbot flow ids. A zero id disables that message.
type Flows struct {
	UnderReview int
	Approved    int
	Rejected    int
}

// Client talks to the chatbot backend.
type Client struct {
	http  *resty.Client
	flows Flows
}

// New builds a client for the chatbot API.
func New(baseURL, apiKey string, flows Flows, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("accept", "application/json").
		SetHeader("API-KEY", apiKey)
	return &Client{http: http, flows: flows}
}

// Notify sends the terminal-outcome flow for a member.
func (c *Client) Notify(ctx context.Context, member models.Member, outcome string) error {
	var flow int
	switch outcome {
	case OutcomeApproved:
		flow = c.flows.Approved
	case OutcomeRejected:
		flow = c.flows.Rejected
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}
	return c.sendFlow(ctx, member, flow)
}

// NotifyUnderReview sends the intake acknowledgment flow.
func (c *Client) NotifyUnderReview(ctx context.Context, member models.Member) error {
	return c.sendFlow(ctx, member, c.flows.UnderReview)
}

func (c *Client) sendFlow(ctx context.Context, member models.Member, flow int) error {
	if flow == 0 {
		return nil
	}
	if member.ContactChannel == "" {
		return fmt.Errorf("member %d has no contact channel", member.ID)
	}
	subscriberID, err := c.ensureSubscriber(ctx, member)
	if err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"flow": flow}).
		Post(fmt.Sprintf("/api/v1/webhook/subscriber/%d/send_flow/", subscriberID))
	if err != nil {
		return fmt.Errorf("send flow %d: %w", flow, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send flow %d: status %d: %s", flow, resp.StatusCode(), resp.String())
	}
	return nil
}

// ensureSubscriber creates or refreshes the chatbot subscriber for the
// member's phone and returns its id.
func (c *Client) ensureSubscriber(ctx context.Context, member models.Member) (int64, error) {
	first, last := splitName(member.DisplayName)
	var out struct {
		ID int64 `json:"id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"phone":      member.ContactChannel,
			"first_name": first,
			"last_name":  last,
		}).
		SetResult(&out).
		Post("/api/v1/webhook/subscriber/")
	if err != nil {
		return 0, fmt.Errorf("ensure subscriber: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("ensure subscriber: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.ID == 0 {
		return 0, fmt.Errorf("ensure subscriber: no id in response")
	}
	return out.ID, nil
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
