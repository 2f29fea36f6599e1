// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics and traces are created per layer scope ("http", "server",
// "storage", "security"). When instrumentation is disabled, no-op
// providers are used.
//
// # Prometheus Metrics
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oauthd",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth Flows:
//   - oauth.authorization.finalized{client_id, response_type, approved}
//   - oauth.token.issued{grant_type, kind}
//   - oauth.grant.failures{grant_type, error}
//   - oauth.token.revoked{reason}
//   - oauth.client.operations{operation}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.size.tokens, storage.size.clients
//
// # Security Considerations
//
// Never record token values, authorization codes, client secrets or
// passwords in spans or metric attributes. Client IPs are only recorded
// when Config.LogClientIPs is set.
package instrumentation
