package milestonelinesdk

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
	"time"
)

// Client is a minimal Milestoneline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without bearer auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Initiative struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Milestone string `json:"milestone"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	StartDate string `json:"start_date,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type Snapshot struct {
	InitiativeID string `json:"initiativeId"`
	Date         string `json:"date"`
	Milestone    string `json:"milestone"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	CapturedAt   string `json:"capturedAt,omitempty"`
}

type MilestoneSummary struct {
	Milestone       string  `json:"milestone"`
	Count           int     `json:"count"`
	AvgDurationDays float64 `json:"avgDurationDays"`
	MinDurationDays int     `json:"minDurationDays"`
	MaxDurationDays int     `json:"maxDurationDays"`
	CurrentCount    int     `json:"currentCount"`
}

type MilestoneInterval struct {
	InitiativeID string  `json:"initiativeId"`
	Milestone    string  `json:"milestone"`
	StartDate    string  `json:"startDate"`
	EndDate      *string `json:"endDate"`
	DurationDays int     `json:"durationDays"`
	Open         bool    `json:"open"`
}

type MilestoneBreakdown struct {
	InitiativeID       string              `json:"initiativeId"`
	Type               string              `json:"type"`
	CurrentMilestone   string              `json:"currentMilestone"`
	Intervals          []MilestoneInterval `json:"intervals"`
	TotalElapsedDays   int                 `json:"totalElapsedDays"`
	CurrentElapsedDays int                 `json:"currentElapsedDays"`
}

type CaptureResult struct {
	Date      string     `json:"date"`
	Skipped   bool       `json:"skipped"`
	Reason    string     `json:"reason,omitempty"`
	Snapshots []Snapshot `json:"snapshots"`
}

// APIError wraps non-2xx responses. Code and Message come from the
// {"error":{...}} envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateInitiative registers an initiative. An empty id lets the server pick one.
func (c *Client) CreateInitiative(ctx context.Context, id, typ, title, milestone string) (Initiative, error) {
	body := map[string]any{
		"type":  typ,
		"title": title,
	}
	if id != "" {
		body["id"] = id
	}
	if milestone != "" {
		body["milestone"] = milestone
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "initiatives", body, &resp)
	return resp, err
}

// SetMilestone moves an initiative to milestone.
func (c *Client) SetMilestone(ctx context.Context, id, milestone string) (Initiative, error) {
	var resp Initiative
	endpoint := fmt.Sprintf("initiatives/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"milestone": milestone}, &resp)
	return resp, err
}

// Initiatives lists initiatives, optionally of one type.
func (c *Client) Initiatives(ctx context.Context, typ string) ([]Initiative, error) {
	var resp []Initiative
	err := c.do(ctx, http.MethodGet, withQuery("initiatives", "type", typ), nil, &resp)
	return resp, err
}

// CaptureSnapshot captures today's snapshot.
func (c *Client) CaptureSnapshot(ctx context.Context) (CaptureResult, error) {
	var resp CaptureResult
	err := c.do(ctx, http.MethodPost, "snapshots/capture", nil, &resp)
	return resp, err
}

// MilestoneDurations returns per-milestone statistics, optionally for one initiative type.
func (c *Client) MilestoneDurations(ctx context.Context, typ string) ([]MilestoneSummary, error) {
	var resp []MilestoneSummary
	err := c.do(ctx, http.MethodGet, withQuery("milestones/durations", "type", typ), nil, &resp)
	return resp, err
}

// MilestoneBreakdown returns the interval timeline of one initiative.
func (c *Client) MilestoneBreakdown(ctx context.Context, initiativeID string) (MilestoneBreakdown, error) {
	var resp MilestoneBreakdown
	endpoint := fmt.Sprintf("initiatives/%s/milestones", url.PathEscape(initiativeID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint, key, value string) string {
	if value == "" {
		return endpoint
	}
	return endpoint + "?" + url.Values{key: []string{value}}.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
