package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_Record(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	m := inst.Metrics()

	tests := []struct {
		name   string
		record func()
	}{
		{"http request", func() { m.RecordHTTPRequest(ctx, "POST", "token", 200, 12.5) }},
		{"authorization approved", func() { m.RecordAuthorizationFinalized(ctx, "1_abc", "code", true) }},
		{"authorization denied", func() { m.RecordAuthorizationFinalized(ctx, "1_abc", "token", false) }},
		{"token issued", func() { m.RecordTokenIssued(ctx, "authorization_code", "access_token") }},
		{"grant failure", func() { m.RecordGrantFailure(ctx, "refresh_token", "invalid_grant") }},
		{"revocation", func() { m.RecordTokenRevocation(ctx, "client_deleted", 4) }},
		{"client operation", func() { m.RecordClientOperation(ctx, "create") }},
		{"rate limit", func() { m.RecordRateLimitExceeded(ctx, "ip") }},
		{"code reuse", func() { m.RecordCodeReuseDetected(ctx) }},
		{"token reuse", func() { m.RecordTokenReuseDetected(ctx) }},
		{"audit event", func() { m.RecordAuditEvent(ctx, "token_issued") }},
		{"storage operation", func() { m.RecordStorageOperation(ctx, "issue", "success", 0.3) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic
			tt.record()
		})
	}
}
