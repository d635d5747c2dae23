package touchlinesdk

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

// Client is a minimal Touchline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-Id when no credentials are set. Servers only
	// honour it in local development mode.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Relationship represents the API relationship model (partial).
type Relationship struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Tier              string   `json:"tier"`
	LastInteractionAt *string  `json:"last_interaction_at,omitempty"`
	MomentumScore     *float64 `json:"momentum_score,omitempty"`
	OpenLoop          bool     `json:"open_loop"`
	DealStage         bool     `json:"deal_stage"`
}

// NewRelationship is the create payload.
type NewRelationship struct {
	Name              string `json:"name"`
	Tier              string `json:"tier,omitempty"`
	LastInteractionAt string `json:"last_interaction_at,omitempty"`
	OpenLoop          bool   `json:"open_loop,omitempty"`
	DealStage         bool   `json:"deal_stage,omitempty"`
}

// Action represents a scheduled action.
type Action struct {
	ID               string `json:"id"`
	RelationshipID   string `json:"relationship_id"`
	Type             string `json:"type"`
	Title            string `json:"title,omitempty"`
	State            string `json:"state"`
	DueDate          string `json:"due_date"`
	EstimatedMinutes *int   `json:"estimated_minutes,omitempty"`
}

// NewAction is one entry of a batch. An empty ProposedDate means today.
type NewAction struct {
	Type             string `json:"type,omitempty"`
	Title            string `json:"title,omitempty"`
	ProposedDate     string `json:"proposed_date,omitempty"`
	EstimatedMinutes *int   `json:"estimated_minutes,omitempty"`
}

// ScheduleResult tells where a proposed date landed.
type ScheduleResult struct {
	ScheduledDate string `json:"scheduled_date"`
	ProposedDate  string `json:"proposed_date"`
	Fallback      bool   `json:"fallback"`
}

// ScheduledAction pairs a stored action with its placement.
type ScheduledAction struct {
	Action   Action         `json:"action"`
	Schedule ScheduleResult `json:"schedule"`
}

// ScheduleLimits overrides the per-day cap and the horizon. Nil keeps the
// server config.
type ScheduleLimits struct {
	MaxActionsPerDay *int `json:"max_actions_per_day,omitempty"`
	HorizonDays      *int `json:"horizon_days,omitempty"`
}

// Recommendation is the best next action.
type Recommendation struct {
	Action           Action `json:"action"`
	RelationshipName string `json:"relationship_name"`
	Lane             string `json:"lane"`
	Score            struct {
		Total float64 `json:"total"`
	} `json:"score"`
	Reason string `json:"reason"`
}

// APIError wraps non-2xx responses.
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

// IsNoneAvailable reports whether err means no action fits the request.
func IsNoneAvailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "none_available"
}

// CreateRelationship starts tracking a relationship.
func (c *Client) CreateRelationship(ctx context.Context, rel NewRelationship) (Relationship, error) {
	var resp Relationship
	err := c.do(ctx, http.MethodPost, "v0/relationships", rel, &resp)
	return resp, err
}

// Relationships lists the caller's relationships.
func (c *Client) Relationships(ctx context.Context) ([]Relationship, error) {
	var resp struct {
		Items []Relationship `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/relationships", nil, &resp)
	return resp.Items, err
}

// ScheduleActions previews where dates would land without storing anything.
func (c *Client) ScheduleActions(ctx context.Context, relationshipID string, dates []string, limits ScheduleLimits) ([]ScheduleResult, error) {
	body := struct {
		ProposedDates []string `json:"proposed_dates"`
		ScheduleLimits
	}{ProposedDates: dates, ScheduleLimits: limits}
	var resp struct {
		Items []ScheduleResult `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/relationships/%s/schedule", url.PathEscape(relationshipID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Items, err
}

// CreateActions schedules and stores a batch for one relationship.
func (c *Client) CreateActions(ctx context.Context, relationshipID string, actions []NewAction, limits ScheduleLimits) ([]ScheduledAction, error) {
	body := struct {
		Actions []NewAction `json:"actions"`
		ScheduleLimits
	}{Actions: actions, ScheduleLimits: limits}
	var resp struct {
		Items []ScheduledAction `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/relationships/%s/actions", url.PathEscape(relationshipID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Items, err
}

// SetActionState records a state change.
func (c *Client) SetActionState(ctx context.Context, actionID, state string) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"state": state}, &resp)
	return resp, err
}

// NextAction returns the best next action. maxDuration of 0 means no budget.
func (c *Client) NextAction(ctx context.Context, maxDuration int) (Recommendation, error) {
	endpoint := "v0/actions/next"
	if maxDuration > 0 {
		endpoint = fmt.Sprintf("%s?max_duration=%d", endpoint, maxDuration)
	}
	var resp Recommendation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
