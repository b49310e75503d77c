package planlinesdk

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

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	UserID      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Opportunity represents the API opportunity model.
type Opportunity struct {
	ID                string  `json:"id"`
	AccountName       string  `json:"account_name"`
	OwnerUserID       string  `json:"owner_user_id,omitempty"`
	ServicesAmount    float64 `json:"services_amount,omitempty"`
	ForecastCategory  string  `json:"forecast_category,omitempty"`
	SubscriptionStart string  `json:"subscription_start,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// Disposition is the versioned review state of an opportunity.
type Disposition struct {
	OpportunityID            string   `json:"opportunity_id"`
	Status                   string   `json:"status"`
	Notes                    string   `json:"notes,omitempty"`
	Reason                   string   `json:"reason,omitempty"`
	ServicesAmountOverride   *float64 `json:"services_amount_override,omitempty"`
	ForecastCategoryOverride *string  `json:"forecast_category_override,omitempty"`
	Version                  int64    `json:"version"`
	LastUpdatedByUserID      string   `json:"last_updated_by_user_id,omitempty"`
	LastUpdatedAt            string   `json:"last_updated_at,omitempty"`
}

// Document is an action item attachment.
type Document struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ActionItem is one task on an opportunity's plan. ActionItemID is empty on
// items not yet persisted.
type ActionItem struct {
	ActionItemID     string     `json:"action_item_id,omitempty"`
	OpportunityID    string     `json:"opportunity_id,omitempty"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	DueDate          *string    `json:"due_date,omitempty"`
	Documents        []Document `json:"documents,omitempty"`
	CreatedByUserID  string     `json:"created_by_user_id,omitempty"`
	AssignedToUserID string     `json:"assigned_to_user_id"`
}

// ActionPlan is the canonical disposition plus action item snapshot.
type ActionPlan struct {
	Disposition Disposition  `json:"disposition"`
	ActionItems []ActionItem `json:"actionItems"`
}

// DispositionUpdate is the disposition portion of a save request.
type DispositionUpdate struct {
	Status                   string   `json:"status"`
	Reason                   *string  `json:"reason,omitempty"`
	ServicesAmountOverride   *float64 `json:"services_amount_override,omitempty"`
	ForecastCategoryOverride *string  `json:"forecast_category_override,omitempty"`
	Version                  int64    `json:"version"`
	Notes                    *string  `json:"notes,omitempty"`
}

// SavePlanRequest is the save-action-plan request body. ActionItems is the
// full target list; omitting a persisted id deletes that item.
type SavePlanRequest struct {
	Disposition *DispositionUpdate `json:"disposition"`
	ActionItems []ActionItem       `json:"actionItems"`
}

// PlanTemplateTask is one entry of the server's default plan template.
type PlanTemplateTask struct {
	Name       string `json:"name"`
	OffsetDays int    `json:"offset_days"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is an optimistic-lock version conflict.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsValidation reports whether err is a rejected-payload error.
func IsValidation(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// IsNotFound reports whether err signals a missing opportunity.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// PaginatedOpportunities wraps list responses with cursors.
type PaginatedOpportunities struct {
	Items      []Opportunity `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// CreateOpportunity creates an opportunity with its initial disposition.
func (c *Client) CreateOpportunity(ctx context.Context, accountName string, opts map[string]any) (Opportunity, error) {
	body := map[string]any{"account_name": accountName}
	for k, v := range opts {
		body[k] = v
	}
	var resp Opportunity
	err := c.do(ctx, http.MethodPost, "v0/opportunities", body, &resp)
	return resp, err
}

// GetOpportunity fetches one opportunity.
func (c *Client) GetOpportunity(ctx context.Context, id string) (Opportunity, error) {
	var resp Opportunity
	err := c.do(ctx, http.MethodGet, "v0/opportunities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListOpportunities fetches one page of opportunities.
func (c *Client) ListOpportunities(ctx context.Context, limit int, cursor string) (PaginatedOpportunities, error) {
	endpoint := fmt.Sprintf("v0/opportunities?limit=%d", limit)
	if cursor != "" {
		endpoint += "&cursor=" + url.QueryEscape(cursor)
	}
	var resp PaginatedOpportunities
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteOpportunity removes an opportunity and its plan.
func (c *Client) DeleteOpportunity(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/opportunities/"+url.PathEscape(id), nil, nil)
}

// GetActionPlan fetches the current disposition and action items.
func (c *Client) GetActionPlan(ctx context.Context, opportunityID string) (ActionPlan, error) {
	var resp ActionPlan
	endpoint := "v0/opportunities/" + url.PathEscape(opportunityID) + "/action-plan"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SaveActionPlan submits the target plan and returns the canonical
// post-commit snapshot.
func (c *Client) SaveActionPlan(ctx context.Context, opportunityID string, req SavePlanRequest) (ActionPlan, error) {
	var resp ActionPlan
	endpoint := "v0/opportunities/" + url.PathEscape(opportunityID) + "/action-plan"
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// PlanTemplate fetches the server's default action plan template.
func (c *Client) PlanTemplate(ctx context.Context) ([]PlanTemplateTask, error) {
	var resp []PlanTemplateTask
	err := c.do(ctx, http.MethodGet, "v0/plan-template", nil, &resp)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
