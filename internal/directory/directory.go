// payment-core/internal/directory/directory.go
//
// Package directory reads vendor and incident facts owned by other services.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/payment-core/internal/payment"
	errs "github.com/example/payment-core/pkg/errors"
)

type Vendor struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	CreatedAt          time.Time `json:"created_at"`
	DestinationAccount string    `json:"destination_account,omitempty"`
	Email              string    `json:"email,omitempty"`
}

type Incident struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Duration is how long the incident ran, or has run so far.
func (i Incident) Duration(now time.Time) time.Duration {
	end := now
	if i.ResolvedAt != nil {
		end = *i.ResolvedAt
	}
	if end.Before(i.StartedAt) {
		return 0
	}
	return end.Sub(i.StartedAt)
}

type Directory interface {
	Vendor(ctx context.Context, id string) (Vendor, error)
	Incident(ctx context.Context, id string) (Incident, error)
}

// Client talks to the directory service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Vendor(ctx context.Context, id string) (Vendor, error) {
	var v Vendor
	err := c.get(ctx, "/vendors/"+url.PathEscape(id), &v)
	return v, err
}

func (c *Client) Incident(ctx context.Context, id string) (Incident, error) {
	var i Incident
	err := c.get(ctx, "/incidents/"+url.PathEscape(id), &i)
	return i, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errs.Internal("build directory request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "directory_unavailable", "directory request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.NotFound("directory_not_found", path+" not found")
	case resp.StatusCode >= 500:
		return errs.Unavailable("directory_unavailable", fmt.Sprintf("directory returned %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Validation("directory_rejected", fmt.Sprintf("directory returned %d: %s", resp.StatusCode, body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Internal("decode directory response", err)
	}
	return nil
}

// Static is an in-memory directory for local runs and tests.
type Static struct {
	mu        sync.RWMutex
	vendors   map[string]Vendor
	incidents map[string]Incident
}

func NewStatic() *Static {
	return &Static{vendors: map[string]Vendor{}, incidents: map[string]Incident{}}
}

func (s *Static) PutVendor(v Vendor) {
	s.mu.Lock()
	s.vendors[v.ID] = v
	s.mu.Unlock()
}

func (s *Static) PutIncident(i Incident) {
	s.mu.Lock()
	s.incidents[i.ID] = i
	s.mu.Unlock()
}

func (s *Static) Vendor(_ context.Context, id string) (Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[id]
	if !ok {
		return Vendor{}, errs.NotFound("directory_not_found", "vendor "+id+" not found")
	}
	return v, nil
}

func (s *Static) Incident(_ context.Context, id string) (Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.incidents[id]
	if !ok {
		return Incident{}, errs.NotFound("directory_not_found", "incident "+id+" not found")
	}
	return i, nil
}

// Destinations resolves a back_office transfer destination: the account given
// at creation wins, otherwise the vendor's payout account on file.
type Destinations struct {
	Dir Directory
}

func (d Destinations) DestinationAccount(ctx context.Context, p *payment.Payment) (string, error) {
	if acct, err := (payment.MetadataDestinations{}).DestinationAccount(ctx, p); err == nil {
		return acct, nil
	}
	if d.Dir == nil {
		return "", errs.Validation("missing_destination_account", "back_office payments need a destination account")
	}
	v, err := d.Dir.Vendor(ctx, p.VendorID)
	if err != nil {
		return "", err
	}
	if v.DestinationAccount == "" {
		return "", errs.Validation("missing_destination_account",
			fmt.Sprintf("vendor %s has no payout account on file", p.VendorID))
	}
	return v.DestinationAccount, nil
}
