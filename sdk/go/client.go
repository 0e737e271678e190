package shiftplansdk

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

// Client is a minimal Shiftplan HTTP API client.
type Client struct {
	BaseURL     string
	SectorID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sectorID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		SectorID: sectorID,
		Timeout:  10 * time.Second,
	}
}

// Week represents a program week with its items.
type Week struct {
	ID            string `json:"id"`
	SectorID      string `json:"sector_id"`
	ForecastRunID string `json:"forecast_run_id"`
	WeekStart     string `json:"week_start"`
	Status        string `json:"status"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
	UpdatedBy     string `json:"updated_by"`
	UpdatedAt     string `json:"updated_at"`
	Items         []Item `json:"items"`
}

// Item is one planned activity on one date.
type Item struct {
	ID              string         `json:"id"`
	WeekID          string         `json:"week_id"`
	ActivityID      string         `json:"activity_id"`
	Date            string         `json:"date"`
	WindowStart     *string        `json:"window_start,omitempty"`
	WindowEnd       *string        `json:"window_end,omitempty"`
	Quantity        int            `json:"quantity"`
	WorkloadMinutes int            `json:"workload_minutes"`
	Priority        int            `json:"priority"`
	Source          string         `json:"source"`
	Drivers         map[string]any `json:"drivers,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// Run represents a forecast or adjustment run.
type Run struct {
	ID            string  `json:"id"`
	SectorID      string  `json:"sector_id"`
	RunType       string  `json:"run_type"`
	RunDate       string  `json:"run_date"`
	HorizonStart  string  `json:"horizon_start"`
	HorizonEnd    string  `json:"horizon_end"`
	Status        string  `json:"status"`
	IsLocked      bool    `json:"is_locked"`
	BaselineRunID *string `json:"baseline_run_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// Activity is a catalog entry.
type Activity struct {
	ID              string `json:"id"`
	SectorID        string `json:"sector_id"`
	Code            string `json:"code"`
	Name            string `json:"name"`
	StandardMinutes int    `json:"standard_minutes"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SectorID   string         `json:"sector_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// AddItemParams are the fields for adding a manual item.
type AddItemParams struct {
	ActivityID      string         `json:"activity_id"`
	Date            string         `json:"date"`
	WindowStart     *string        `json:"window_start,omitempty"`
	WindowEnd       *string        `json:"window_end,omitempty"`
	Quantity        int            `json:"quantity"`
	WorkloadMinutes *int           `json:"workload_minutes,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	Drivers         map[string]any `json:"drivers,omitempty"`
	Notes           string         `json:"notes,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message are filled in
// when the server returns the structured error envelope.
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

// GenerateWeek creates a program week from a forecast run.
func (c *Client) GenerateWeek(ctx context.Context, forecastRunID, weekStart, mode string) (Week, error) {
	body := map[string]any{
		"forecast_run_id": forecastRunID,
		"week_start":      weekStart,
		"mode":            mode,
	}
	var resp Week
	err := c.do(ctx, http.MethodPost, c.sectorPath("weeks"), body, &resp)
	return resp, err
}

// ListWeeks returns the sector's program weeks.
func (c *Client) ListWeeks(ctx context.Context) ([]Week, error) {
	var resp []Week
	err := c.do(ctx, http.MethodGet, c.sectorPath("weeks"), nil, &resp)
	return resp, err
}

// GetWeek fetches a week with its items.
func (c *Client) GetWeek(ctx context.Context, weekID string) (Week, error) {
	var resp Week
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/weeks/%s", url.PathEscape(weekID)), nil, &resp)
	return resp, err
}

// LookupWeek resolves a week by run and week start. The second return
// value is false when no week has been generated for that pair.
func (c *Client) LookupWeek(ctx context.Context, forecastRunID, weekStart string) (Week, bool, error) {
	endpoint := fmt.Sprintf("%s?forecast_run_id=%s&week_start=%s",
		c.sectorPath("weeks/lookup"), url.QueryEscape(forecastRunID), url.QueryEscape(weekStart))
	var resp Week
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return Week{}, false, nil
		}
		return Week{}, false, err
	}
	return resp, true, nil
}

// ApproveWeek moves a draft week to approved.
func (c *Client) ApproveWeek(ctx context.Context, weekID string) (Week, error) {
	var resp Week
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/weeks/%s/approve", url.PathEscape(weekID)), nil, &resp)
	return resp, err
}

// LockWeek moves an approved week to locked.
func (c *Client) LockWeek(ctx context.Context, weekID string) (Week, error) {
	var resp Week
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/weeks/%s/lock", url.PathEscape(weekID)), nil, &resp)
	return resp, err
}

// AddItem adds a manual item to a week.
func (c *Client) AddItem(ctx context.Context, weekID string, params AddItemParams) (Item, error) {
	var resp Item
	endpoint := fmt.Sprintf("v0/weeks/%s/items", url.PathEscape(weekID))
	err := c.do(ctx, http.MethodPost, endpoint, params, &resp)
	return resp, err
}

// RemoveItem deletes an item.
func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("v0/items/%s", url.PathEscape(itemID)), nil, nil)
}

// CreateAdjustment derives an adjustment run from a baseline.
func (c *Client) CreateAdjustment(ctx context.Context, baselineRunID, reason string) (Run, error) {
	body := map[string]any{
		"baseline_forecast_run_id": baselineRunID,
		"reason":                   reason,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.sectorPath("adjustments"), body, &resp)
	return resp, err
}

// ListRuns returns the sector's forecast runs.
func (c *Client) ListRuns(ctx context.Context) ([]Run, error) {
	var resp []Run
	err := c.do(ctx, http.MethodGet, c.sectorPath("runs"), nil, &resp)
	return resp, err
}

// GetRun fetches a forecast run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	endpoint := c.sectorPath(fmt.Sprintf("runs/%s", url.PathEscape(runID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListActivities returns the sector's activity catalog.
func (c *Client) ListActivities(ctx context.Context) ([]Activity, error) {
	var resp []Activity
	err := c.do(ctx, http.MethodGet, c.sectorPath("activities"), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.sectorPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envlp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envlp) == nil {
			apiErr.Code = envlp.Error.Code
			apiErr.Message = envlp.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sectorPath(p string) string {
	sector := url.PathEscape(c.SectorID)
	return fmt.Sprintf("v0/sectors/%s/%s", sector, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
