package fleetlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fleetline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
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

// JourneyLeg is one leg of a split journey.
type JourneyLeg struct {
	Address            string  `json:"address"`
	ContactName        string  `json:"contact_name,omitempty"`
	ActualStartTime    *string `json:"actual_start_time,omitempty"`
	ActualCompleteTime *string `json:"actual_complete_time,omitempty"`
}

// SplitJourneyLegs holds the secondary collection and first delivery legs.
type SplitJourneyLegs struct {
	SecondaryCollection JourneyLeg `json:"secondary_collection"`
	FirstDelivery       JourneyLeg `json:"first_delivery"`
}

// JobNote is one entry in a job's notes list.
type JobNote struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name,omitempty"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// Job represents the API job model.
type Job struct {
	ID              string            `json:"id"`
	Reference       string            `json:"reference,omitempty"`
	CustomerName    string            `json:"customer_name,omitempty"`
	VehicleReg      string            `json:"vehicle_reg,omitempty"`
	CollectionAddr  string            `json:"collection_address,omitempty"`
	DeliveryAddr    string            `json:"delivery_address,omitempty"`
	Status          string            `json:"status"`
	Stage           string            `json:"stage,omitempty"`
	DriverID        *string           `json:"driver_id,omitempty"`
	MultiJobBatchID *string           `json:"multi_job_batch_id,omitempty"`
	IsSplitJourney  bool              `json:"is_split_journey"`
	SplitLegs       *SplitJourneyLegs `json:"split_legs,omitempty"`

	HasDamageCommitted bool      `json:"has_damage_committed"`
	GeneralNotes       []JobNote `json:"general_notes,omitempty"`

	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	StatusUpdatedAt string `json:"status_updated_at"`

	AllocatedAt                  *string `json:"allocated_at,omitempty"`
	CollectionActualStartTime    *string `json:"collection_actual_start_time,omitempty"`
	CollectionActualCompleteTime *string `json:"collection_actual_complete_time,omitempty"`
	DeliveryActualStartTime      *string `json:"delivery_actual_start_time,omitempty"`
	DeliveryActualCompleteTime   *string `json:"delivery_actual_complete_time,omitempty"`
	AbortedAt                    *string `json:"aborted_at,omitempty"`
	CancelledAt                  *string `json:"cancelled_at,omitempty"`

	ActualDuration *int `json:"actual_duration,omitempty"`
}

// JobList is the paged job listing with the caller's visibility tier.
type JobList struct {
	Items []Job  `json:"items"`
	Tier  string `json:"tier"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

// CreateJobInput carries the fields accepted when creating a job.
type CreateJobInput struct {
	ID              *string           `json:"id,omitempty"`
	Reference       string            `json:"reference,omitempty"`
	CustomerName    string            `json:"customer_name,omitempty"`
	VehicleReg      string            `json:"vehicle_reg,omitempty"`
	CollectionAddr  string            `json:"collection_address"`
	DeliveryAddr    string            `json:"delivery_address"`
	IsSplitJourney  bool              `json:"is_split_journey,omitempty"`
	SplitLegs       *SplitJourneyLegs `json:"split_legs,omitempty"`
	MultiJobBatchID string            `json:"multi_job_batch_id,omitempty"`
}

// CollectionInput carries optional details for a collection progress call.
type CollectionInput struct {
	Stage              string `json:"stage,omitempty"`
	ActualStartTime    string `json:"actual_start_time,omitempty"`
	ActualCompleteTime string `json:"actual_complete_time,omitempty"`
	DamageReported     bool   `json:"damage_reported,omitempty"`
}

// DeliveryInput carries optional details for a delivery progress call.
type DeliveryInput struct {
	Stage          string `json:"stage,omitempty"`
	DamageReported bool   `json:"damage_reported,omitempty"`
}

// JobPatch holds the fields a bulk update may overwrite. Nil fields are
// left untouched.
type JobPatch struct {
	Status         *string `json:"status,omitempty"`
	Stage          *string `json:"stage,omitempty"`
	DriverID       *string `json:"driver_id,omitempty"`
	CustomerName   *string `json:"customer_name,omitempty"`
	VehicleReg     *string `json:"vehicle_reg,omitempty"`
	CollectionAddr *string `json:"collection_address,omitempty"`
	DeliveryAddr   *string `json:"delivery_address,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateJob creates a new job in the unallocated state.
func (c *Client) CreateJob(ctx context.Context, input CreateJobInput) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", input, &resp)
	return resp, err
}

// ListJobs returns the jobs visible to the caller along with the tier the
// server resolved for them.
func (c *Client) ListJobs(ctx context.Context) (JobList, error) {
	var resp JobList
	err := c.do(ctx, http.MethodGet, "v0/jobs", nil, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.jobPath(id, ""), nil, &resp)
	return resp, err
}

// Allocate assigns a driver to an unallocated job.
func (c *Client) Allocate(ctx context.Context, id, driverID string) (Job, error) {
	body := map[string]any{"driver_id": driverID}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "allocate"), body, &resp)
	return resp, err
}

// Unallocate returns an allocated job to the pool.
func (c *Client) Unallocate(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "unallocate"), nil, &resp)
	return resp, err
}

// StartCollection advances an allocated job through its collection stages.
func (c *Client) StartCollection(ctx context.Context, id string, input CollectionInput) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "collection"), input, &resp)
	return resp, err
}

// StartDelivery begins the delivery phase of a collected job.
func (c *Client) StartDelivery(ctx context.Context, id string, input DeliveryInput) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "delivery/start"), input, &resp)
	return resp, err
}

// CompleteDelivery marks the vehicle as delivered.
func (c *Client) CompleteDelivery(ctx context.Context, id string, input DeliveryInput) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "delivery/complete"), input, &resp)
	return resp, err
}

// Complete closes a delivered job.
func (c *Client) Complete(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "complete"), nil, &resp)
	return resp, err
}

// Cancel cancels a job before delivery completes.
func (c *Client) Cancel(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "cancel"), nil, &resp)
	return resp, err
}

// Abort aborts an in-progress job.
func (c *Client) Abort(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "abort"), nil, &resp)
	return resp, err
}

// Duplicate copies a job into a fresh unallocated one, stripping progress.
func (c *Client) Duplicate(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "duplicate"), nil, &resp)
	return resp, err
}

// BulkUpdate applies the same patch to every listed job and returns the
// number of jobs updated.
func (c *Client) BulkUpdate(ctx context.Context, ids []string, patch JobPatch) (int, error) {
	body := map[string]any{"ids": ids, "patch": patch}
	var resp struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "v0/jobs/bulk", body, &resp)
	return resp.Updated, err
}

// AddNote appends a note to a job and returns the created note.
func (c *Client) AddNote(ctx context.Context, id, content string) (JobNote, error) {
	body := map[string]any{"content": content}
	var resp JobNote
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "notes"), body, &resp)
	return resp, err
}

// Events lists recent event log entries, newest first. eventType and
// entityID filter when non-empty; limit <= 0 uses the server default.
func (c *Client) Events(ctx context.Context, limit int, eventType, entityID string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	endpoint := "v0/events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) jobPath(id, action string) string {
	p := fmt.Sprintf("v0/jobs/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
