// Package kurir is the call pipeline a front-end talks to its backend
// through. Every call passes the same reliability stages:
//
//   - Failures are classified into a fixed taxonomy (NETWORK, TIMEOUT, AUTH, ...)
//   - Retries with exponential backoff + jitter, bounded per error kind
//   - Optional response caching with per-call TTL
//   - Priority queue with an admission gate that caps concurrent calls
//   - Recovery strategies (credential refresh, connectivity probe) that resume a call once
//   - User notifications with severity thresholds, rules and deduplication
//   - Batched error reporting with sampling and a local fallback store
//   - Prometheus metrics, OpenTelemetry spans and structured debug logging
//
// Typical usage:
//
//	client := kurir.New(
//	    kurir.WithBaseURL("https://api.example.com/"),
//	    kurir.WithMaxRetries(3),
//	    kurir.WithConcurrency(4),
//	    kurir.WithRefresh(session.Refresh),
//	    kurir.WithNotifications(kurir.DefaultNotificationConfig()),
//	)
//	resp, err := client.Do(ctx, kurir.CallDescriptor{
//	    URL:   "orders",
//	    Cache: &kurir.CachePolicy{Enabled: true},
//	    Queue: &kurir.QueuePolicy{Enabled: true, Priority: 5},
//	})
//
// Errors returned by Do are always *ClassifiedError and match the per-kind
// sentinels with errors.Is. A client can also be built from a YAML file with
// NewFromConfig.
package kurir
