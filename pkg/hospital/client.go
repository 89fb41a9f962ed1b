package hospital

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/harunnryd/wardline/pkg/errorsx"
)

// Record is a hospital as listed by the Core API.
type Record struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	PhoneNumbers []PhoneNumber `json:"phoneNumbers"`
}

// CallRecord is the payload for creating a call session.
type CallRecord struct {
	TwilioCallSID string `json:"twilioCallSid"`
	Direction     string `json:"direction"`
	FromNumber    string `json:"fromNumber"`
	ToNumber      string `json:"toNumber"`
	HospitalID    string `json:"hospitalId,omitempty"`
}

// CallUpdate is the payload for closing out a call session.
type CallUpdate struct {
	Status         string `json:"status"`
	Duration       int    `json:"duration"`
	DetectedIntent string `json:"detectedIntent,omitempty"`
}

type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// Client talks to the hospital configuration backend.
type Client struct {
	http *resty.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: httpClient}
}

func (c *Client) ListHospitals(ctx context.Context) ([]Record, error) {
	var out []Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("includeSettings", "true").
		SetResult(&out).
		Get("/hospitals")
	if err := checkResponse(resp, err, "list hospitals"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonHospitalLookup)
	}
	return out, nil
}

func (c *Client) GetIntents(ctx context.Context, hospitalID string) ([]Intent, error) {
	var out []Intent
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", hospitalID).
		SetResult(&out).
		Get("/hospitals/{id}/intents")
	if err := checkResponse(resp, err, "get intents"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonHospitalLookup)
	}
	return out, nil
}

func (c *Client) GetDepartments(ctx context.Context, hospitalID string) ([]Department, error) {
	var out []Department
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("hospitalId", hospitalID).
		SetResult(&out).
		Get("/departments")
	if err := checkResponse(resp, err, "get departments"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonHospitalLookup)
	}
	return out, nil
}

// CreateCallRecord registers an inbound call and returns the record id.
func (c *Client) CreateCallRecord(ctx context.Context, rec CallRecord) (string, error) {
	if rec.Direction == "" {
		rec.Direction = "inbound"
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rec).
		SetResult(&out).
		Post("/api/calls")
	if err := checkResponse(resp, err, "create call record"); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonCallRecord)
	}
	return out.ID, nil
}

func (c *Client) UpdateCallRecord(ctx context.Context, recordID string, upd CallUpdate) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", recordID).
		SetBody(upd).
		Patch("/api/calls/{id}")
	if err := checkResponse(resp, err, "update call record"); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCallRecord)
	}
	return nil
}

func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: http %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
