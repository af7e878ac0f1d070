/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package probe queries a replica's liveness, readiness and metrics endpoints.
//
// A probe is a single attempt bounded by one timeout that covers all three
// requests. Failures are reported in the Result, never returned or panicked.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-fleet-autoscaler/api/v1alpha1"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/collector"
	"github.com/llm-d/llm-d-fleet-autoscaler/internal/logging"
)

// maxBodyBytes caps how much of a metrics response is read.
const maxBodyBytes = 1 << 20

var (
	// ErrNoAddress is reported for replicas the provisioner has not given an address yet.
	ErrNoAddress = errors.New("replica has no address")
	// ErrUnexpectedStatus is reported for non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// Result is the outcome of one probe.
//
// When TimedOut is set, Live and Ready carry no information and Sample is nil.
type Result struct {
	ReplicaID v1alpha1.ReplicaID
	Live      bool
	Ready     bool
	TimedOut  bool
	// Sample is nil when the metrics endpoint could not be read or parsed.
	Sample *v1alpha1.UtilizationSample
	// Err is the first failure encountered, for logging.
	Err error
	At  time.Time
}

// Config configures the probe client.
type Config struct {
	HealthPath  string
	ReadyPath   string
	MetricsPath string

	// Timeout bounds the whole probe.
	Timeout time.Duration

	// Kind is stamped on every sample.
	Kind v1alpha1.MetricKind
	// Counter converts the extracted value into a per-second rate.
	Counter bool

	// HTTPClient defaults to a client with keep-alives and no client-level timeout.
	HTTPClient *http.Client
}

// Client probes replicas over HTTP. It is safe for concurrent use.
type Client struct {
	cfg       Config
	http      *http.Client
	extractor collector.Extractor
	rates     *collector.RateTracker
	clock     clock.PassiveClock
}

// NewClient creates a probe client that reads samples with extractor.
func NewClient(cfg Config, extractor collector.Extractor, clk clock.PassiveClock) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &Client{
		cfg:       cfg,
		http:      httpClient,
		extractor: extractor,
		clock:     clk,
	}
	if cfg.Counter {
		c.rates = collector.NewRateTracker()
	}
	return c
}

// Forget drops per-replica state kept between probes.
func (c *Client) Forget(id v1alpha1.ReplicaID) {
	if c.rates != nil {
		c.rates.Forget(id)
	}
}

// Probe checks liveness, then readiness, then reads one metrics sample.
func (c *Client) Probe(ctx context.Context, replica v1alpha1.Replica) Result {
	logger := ctrl.LoggerFrom(ctx).WithValues("replica", replica.ID)
	res := Result{ReplicaID: replica.ID, At: c.clock.Now()}

	if replica.Address == "" {
		res.Err = ErrNoAddress
		return res
	}
	base := baseURL(replica.Address)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if _, _, err := c.get(ctx, base+c.cfg.HealthPath); err != nil {
		return c.failed(res, err, "liveness")
	}
	res.Live = true

	if _, _, err := c.get(ctx, base+c.cfg.ReadyPath); err != nil {
		if isTimeout(err) {
			return c.failed(res, err, "readiness")
		}
		res.Err = fmt.Errorf("readiness: %w", err)
	} else {
		res.Ready = true
	}

	body, contentType, err := c.get(ctx, base+c.cfg.MetricsPath)
	if err != nil {
		if isTimeout(err) {
			return c.failed(res, err, "metrics")
		}
		logger.V(logging.DEBUG).Info("Metrics endpoint unavailable", "error", err.Error())
		return res
	}
	value, err := c.extractor.Extract(body, contentType)
	if err != nil {
		logger.V(logging.DEBUG).Info("Could not extract metric", "error", err.Error())
		return res
	}

	sample := &v1alpha1.UtilizationSample{
		ReplicaID: replica.ID,
		Kind:      c.cfg.Kind,
		Value:     value,
		Timestamp: c.clock.Now(),
		Valid:     true,
	}
	if c.rates != nil {
		sample.Value, sample.Valid = c.rates.Observe(replica.ID, value, sample.Timestamp)
	}
	res.Sample = sample
	logger.V(logging.TRACE).Info("Probed replica", "live", res.Live, "ready", res.Ready, "value", sample.Value, "valid", sample.Valid)
	return res
}

func (c *Client) failed(res Result, err error, stage string) Result {
	res.Ready = false
	res.Sample = nil
	res.Err = fmt.Errorf("%s: %w", stage, err)
	if isTimeout(err) {
		res.TimedOut = true
		res.Live = false
	} else if stage == "liveness" {
		res.Live = false
	}
	return res
}

// get performs one GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func baseURL(address string) string {
	address = strings.TrimSuffix(address, "/")
	if strings.Contains(address, "://") {
		return address
	}
	return "http://" + address
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
