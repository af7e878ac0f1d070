// Package fleetapi provisions replicas through a REST fleet API.
//
//	POST   {endpoint}/replicas       {"id","service","image"} -> {"id","address"}
//	DELETE {endpoint}/replicas/{id}  404 counts as already gone
//	GET    {endpoint}/replicas?service={service} -> {"replicas":[...]}
package fleetapi

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

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/provisioner"
)

const maxErrorBody = 4 << 10

// Config configures the client.
type Config struct {
	// Endpoint is the base URL of the fleet API.
	Endpoint string
	// Service is sent with every create and used to filter List.
	Service string
	// Timeout bounds each call. Zero means no per-call timeout.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements provisioner.Provisioner and provisioner.Lister.
type Client struct {
	cfg      Config
	endpoint *url.URL
	http     *http.Client
}

var (
	_ provisioner.Provisioner = &Client{}
	_ provisioner.Lister      = &Client{}
)

type createRequest struct {
	ID      v1alpha1.ReplicaID `json:"id"`
	Service string             `json:"service,omitempty"`
	Image   string             `json:"image,omitempty"`
}

type replicaResponse struct {
	ID        v1alpha1.ReplicaID `json:"id"`
	Address   string             `json:"address"`
	Image     string             `json:"image,omitempty"`
	CreatedAt time.Time          `json:"createdAt,omitempty"`
}

type listResponse struct {
	Replicas []replicaResponse `json:"replicas"`
}

// New creates a client for cfg.Endpoint.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing fleet API endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fleet API endpoint %q must be an http or https URL", cfg.Endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, endpoint: u, http: httpClient}, nil
}

// Create implements provisioner.Provisioner.
func (c *Client) Create(ctx context.Context, spec provisioner.ReplicaSpec) (string, error) {
	body, err := json.Marshal(createRequest{ID: spec.ID, Service: spec.Service, Image: spec.Image})
	if err != nil {
		return "", err
	}
	var out replicaResponse
	status, err := c.do(ctx, http.MethodPost, c.endpoint.JoinPath("replicas"), body, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("%w: create %s: unexpected status %d", provisioner.ErrRejected, spec.ID, status)
	}
	if out.Address == "" {
		return "", fmt.Errorf("%w: create %s: response has no address", provisioner.ErrRejected, spec.ID)
	}
	ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Fleet API created replica", "replica", spec.ID, "address", out.Address)
	return out.Address, nil
}

// Terminate implements provisioner.Provisioner.
func (c *Client) Terminate(ctx context.Context, id v1alpha1.ReplicaID) error {
	status, err := c.do(ctx, http.MethodDelete, c.endpoint.JoinPath("replicas", string(id)), nil, nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

// List implements provisioner.Lister.
func (c *Client) List(ctx context.Context) ([]provisioner.ExistingReplica, error) {
	u := c.endpoint.JoinPath("replicas")
	if c.cfg.Service != "" {
		u.RawQuery = url.Values{"service": {c.cfg.Service}}.Encode()
	}
	var out listResponse
	if _, err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	existing := make([]provisioner.ExistingReplica, 0, len(out.Replicas))
	for _, r := range out.Replicas {
		existing = append(existing, provisioner.ExistingReplica{
			ID:        r.ID,
			Address:   r.Address,
			Image:     r.Image,
			CreatedAt: r.CreatedAt,
		})
	}
	return existing, nil
}

// do sends one request and decodes a 2xx response into out. Non-2xx responses
// are returned as an error wrapping provisioner.ErrRejected, together with the status.
func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, out any) (int, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("%w: %s %s: status %d: %s",
			provisioner.ErrRejected, method, u.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("decoding %s %s response: %w", method, u.Path, err)
	}
	return resp.StatusCode, nil
}
