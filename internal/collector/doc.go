// Package collector turns replica metrics payloads into utilization samples
// and aggregates them into the fleet utilization signal.
//
// # Extraction
//
// Each replica exposes its current load on a pull-based metrics endpoint.
// An Extractor reads exactly one numeric field from the payload and ignores
// everything else:
//
//   - JSONExtractor: dotted field path into a JSON document, e.g.
//     "runtime.cpu_percent" or "runtime.total_requests".
//   - PrometheusExtractor: a metric family from the text exposition format,
//     optionally narrowed by label matchers. Matching series are summed.
//   - AutoExtractor: picks one of the above from the response Content-Type.
//
// Cumulative counters (e.g. total requests served) are turned into a
// per-second rate by a RateTracker keyed by replica id. The first reading of
// a replica and any counter reset yield an invalid sample.
//
// # Aggregation
//
// Aggregator excludes invalid samples and samples older than the staleness
// window, averages the rest and divides by the configured per-replica
// target, clamping at zero:
//
//	agg := collector.NewAggregator(100, 30*time.Second)
//	value := agg.Aggregate(now, samples)
//	if !value.Known {
//		// no valid samples: hold the current replica count
//	}
//
// # Error Handling
//
//   - ErrFieldNotFound: the configured field is absent from the payload
//   - ErrNotNumeric: the field exists but is not a number
//   - ErrUnsupportedFormat: the payload format cannot be determined
//
// Extraction errors never escape the probe: they produce no sample.
package collector
