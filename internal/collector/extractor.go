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

package collector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/llm-d/llm-d-fleet-autoscaler/internal/config"
)

var (
	// ErrFieldNotFound is returned when the payload does not carry the configured field.
	ErrFieldNotFound = errors.New("metric field not found")
	// ErrNotNumeric is returned when the configured field is not a number.
	ErrNotNumeric = errors.New("metric field is not numeric")
	// ErrNotFinite is returned for NaN and infinite values.
	ErrNotFinite = errors.New("metric value is not finite")
	// ErrUnsupportedFormat is returned when the payload format cannot be parsed.
	ErrUnsupportedFormat = errors.New("unsupported metrics format")
)

// Extractor reads a single numeric value from a metrics payload.
type Extractor interface {
	// Extract returns the value of the configured field. contentType is the
	// response Content-Type and may be empty.
	Extract(body []byte, contentType string) (float64, error)
}

// JSONExtractor reads a dotted field path from a JSON document.
// Numbers and numeric strings are accepted; unknown fields are ignored.
type JSONExtractor struct {
	path []string
}

// NewJSONExtractor creates an extractor for a dotted path such as "runtime.cpu_percent".
func NewJSONExtractor(fieldPath string) *JSONExtractor {
	return &JSONExtractor{path: strings.Split(fieldPath, ".")}
}

// Extract implements Extractor.
func (e *JSONExtractor) Extract(body []byte, _ string) (float64, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("decoding JSON metrics: %w", err)
	}

	cur := doc
	for _, key := range e.path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(e.path, "."))
		}
		if cur, ok = obj[key]; !ok {
			return 0, fmt.Errorf("%w: %s", ErrFieldNotFound, strings.Join(e.path, "."))
		}
	}

	switch v := cur.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNotNumeric, err)
		}
		return finite(strings.Join(e.path, "."), f)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, v)
		}
		return finite(strings.Join(e.path, "."), f)
	default:
		return 0, fmt.Errorf("%w: %s is %T", ErrNotNumeric, strings.Join(e.path, "."), cur)
	}
}

// PrometheusExtractor reads a metric family from the Prometheus text exposition
// format. All series of the family whose labels include Labels are summed.
type PrometheusExtractor struct {
	name   string
	labels map[string]string
}

// NewPrometheusExtractor creates an extractor for the named metric family.
func NewPrometheusExtractor(name string, labels map[string]string) *PrometheusExtractor {
	return &PrometheusExtractor{name: name, labels: labels}
}

// Extract implements Extractor.
func (e *PrometheusExtractor) Extract(body []byte, _ string) (float64, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("parsing Prometheus metrics: %w", err)
	}

	family, ok := families[e.name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFieldNotFound, e.name)
	}

	var (
		sum     float64
		matched bool
	)
	for _, m := range family.GetMetric() {
		if !e.matches(m) {
			continue
		}
		v, ok := metricValue(family.GetType(), m)
		if !ok {
			return 0, fmt.Errorf("%w: %s has type %s", ErrNotNumeric, e.name, family.GetType())
		}
		sum += v
		matched = true
	}
	if !matched {
		return 0, fmt.Errorf("%w: no %s series matches %v", ErrFieldNotFound, e.name, e.labels)
	}
	return finite(e.name, sum)
}

func finite(field string, v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is %v", ErrNotFinite, field, v)
	}
	return v, nil
}

func (e *PrometheusExtractor) matches(m *dto.Metric) bool {
	for k, want := range e.labels {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func metricValue(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	default:
		return 0, false
	}
}

// AutoExtractor dispatches on the response Content-Type: application/json goes
// to the JSON extractor, text/plain and OpenMetrics to the Prometheus one.
// Without a usable Content-Type the body is sniffed.
type AutoExtractor struct {
	JSON       Extractor
	Prometheus Extractor
}

// NewAutoExtractor uses field both as a JSON path and as a metric family name.
func NewAutoExtractor(field string, labels map[string]string) *AutoExtractor {
	return &AutoExtractor{
		JSON:       NewJSONExtractor(field),
		Prometheus: NewPrometheusExtractor(field, labels),
	}
}

// Extract implements Extractor.
func (e *AutoExtractor) Extract(body []byte, contentType string) (float64, error) {
	mediaType := ""
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return e.JSON.Extract(body, contentType)
	case mediaType == "text/plain" || mediaType == "application/openmetrics-text":
		return e.Prometheus.Extract(body, contentType)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return 0, ErrUnsupportedFormat
	}
	if trimmed[0] == '{' {
		return e.JSON.Extract(body, contentType)
	}
	return e.Prometheus.Extract(body, contentType)
}

// NewExtractor builds the extractor selected by the metric configuration.
func NewExtractor(m config.MetricConfig) (Extractor, error) {
	switch m.Format {
	case config.FormatJSON:
		return NewJSONExtractor(m.Field), nil
	case config.FormatPrometheus:
		return NewPrometheusExtractor(m.Field, m.Labels), nil
	case config.FormatAuto, "":
		return NewAutoExtractor(m.Field, m.Labels), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, m.Format)
}
