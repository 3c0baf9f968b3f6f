// Package remote is the thin HTTP adapter for the petrol-pump record
// keeping service. It speaks the service's JSON payloads and reports every
// failure as a *Error; retry policy lives with the caller.
package remote

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

	"github.com/banshee-data/forecourt/internal/httputil"
	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/version"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	SiteID     string
	PumpNumber string
	// Timeout bounds each request when HTTPClient is nil
	Timeout time.Duration
	// HTTPClient is optional; tests substitute httputil.MockHTTPClient
	HTTPClient httputil.HTTPClient
}

// Client issues entry, exit and read requests.
type Client struct {
	base       string
	siteID     string
	pumpNumber string
	http       httputil.HTTPClient
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = httputil.NewTimeoutClient(timeout)
	}
	pump := cfg.PumpNumber
	if pump == "" {
		pump = "1"
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		siteID:     cfg.SiteID,
		pumpNumber: pump,
		http:       hc,
	}
}

// SiteID returns the site the client writes for.
func (c *Client) SiteID() string { return c.siteID }

// PumpNumber returns the pump number sent with entries.
func (c *Client) PumpNumber() string { return c.pumpNumber }

func (c *Client) detailsURL(parts ...string) string {
	u := c.base + "/PetrolPumps/details/"
	for i, p := range parts {
		if i > 0 {
			u += "/"
		}
		u += url.PathEscape(p)
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, target string, body interface{}) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("remote %s: encode body: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("remote %s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, respBody, nil
}

// PostEntry submits an entry and returns the authoritative id assigned by
// the service. Only 201 with a VehicleID counts as success.
func (c *Client) PostEntry(ctx context.Context, p EntryPayload) (lifecycle.Identifier, error) {
	const op = "post_entry"
	status, body, err := c.do(ctx, op, http.MethodPost, c.detailsURL(), p)
	if err != nil {
		return lifecycle.Identifier{}, err
	}
	if status != http.StatusCreated {
		return lifecycle.Identifier{}, &Error{Op: op, StatusCode: status, Body: excerpt(body)}
	}
	var resp entryResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return lifecycle.Identifier{}, &Error{Op: op, StatusCode: status, Body: excerpt(body), Err: err}
		}
	}
	if resp.VehicleID == "" {
		return lifecycle.Identifier{}, &Error{Op: op, StatusCode: status, Body: excerpt(body), Err: errMissingVehicleID}
	}
	return lifecycle.Server(string(resp.VehicleID)), nil
}

// PutExit applies an exit to the vehicle addressed by id, which may be
// either the authoritative or the provisional identifier. Only 200 counts
// as success.
func (c *Client) PutExit(ctx context.Context, id lifecycle.Identifier, p ExitPayload) error {
	const op = "put_exit"
	if id.IsZero() {
		return fmt.Errorf("remote %s: empty vehicle identifier", op)
	}
	status, body, err := c.do(ctx, op, http.MethodPut, c.detailsURL(c.siteID, "vehicle", id.Value), p)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &Error{Op: op, StatusCode: status, Body: excerpt(body)}
	}
	return nil
}

// Records reads the service's records for the site, or for one vehicle when
// vehicleID is non-empty.
func (c *Client) Records(ctx context.Context, vehicleID string) ([]Record, error) {
	const op = "records"
	target := c.detailsURL(c.siteID)
	if vehicleID != "" {
		target = c.detailsURL(c.siteID, "vehicle", vehicleID)
	}
	status, body, err := c.do(ctx, op, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &Error{Op: op, StatusCode: status, Body: excerpt(body)}
	}
	recs, err := decodeRecords(body)
	if err != nil {
		return nil, fmt.Errorf("remote %s: decode: %w", op, err)
	}
	return recs, nil
}
