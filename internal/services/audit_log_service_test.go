package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/repositories"
)

type stubAuditRepo struct {
	entries   []domain.AuditLogEntry
	appendErr error

	listFilter repositories.AuditLogFilter
	listResp   domain.CursorPage[domain.AuditLogEntry]
	listErr    error
}

func (s *stubAuditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	s.entries = append(s.entries, entry)
	return s.appendErr
}

func (s *stubAuditRepo) List(_ context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	s.listFilter = filter
	return s.listResp, s.listErr
}

type captureAuditLogger struct {
	warnings []string
}

func (c *captureAuditLogger) Warnf(format string, args ...any) {
	c.warnings = append(c.warnings, strings.TrimSpace(format))
}

func TestAuditLogServiceRecordSanitizesAndHashes(t *testing.T) {
	repo := &stubAuditRepo{}
	logger := &captureAuditLogger{}
	fixed := time.Date(2024, 5, 5, 12, 0, 0, 0, time.UTC)

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: repo,
		Clock: func() time.Time {
			return fixed
		},
		Logger:   logger,
		HashSalt: "pepper:",
	})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	record := AuditLogRecord{
		Actor:                 "  cus_1001  ",
		Action:                " order.cancel ",
		ActorType:             "",
		TargetRef:             " orders/ord_1001 ",
		Severity:              "Warn",
		RequestID:             " req-123 ",
		OccurredAt:            fixed.Add(-time.Minute),
		Metadata:              map[string]any{"email": "Buyer@example.com", "reason": "changed my mind"},
		SensitiveMetadataKeys: []string{"email"},
		Diff: map[string]AuditLogDiff{
			"contactPhone": {Before: "+63-917-000-0001", After: "+63-917-000-0002"},
			"status":       {Before: "pending_payment", After: "cancelled"},
		},
		SensitiveDiffKeys: []string{"contactPhone"},
		IPAddress:         "203.0.113.42 ",
		UserAgent:         "TestAgent\r\n",
	}

	svc.Record(context.Background(), record)

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	entry := repo.entries[0]

	if entry.Actor != "cus_1001" {
		t.Fatalf("unexpected actor: %q", entry.Actor)
	}
	if entry.ActorType != "customer" {
		t.Fatalf("expected actor type customer, got %q", entry.ActorType)
	}
	if entry.TargetRef != "orders/ord_1001" {
		t.Fatalf("unexpected target ref: %q", entry.TargetRef)
	}
	if entry.Severity != "warn" {
		t.Fatalf("unexpected severity: %q", entry.Severity)
	}
	if entry.RequestID != "req-123" {
		t.Fatalf("expected trimmed request id, got %q", entry.RequestID)
	}
	if entry.UserAgent != "TestAgent" {
		t.Fatalf("expected sanitized user agent, got %q", entry.UserAgent)
	}
	expectedTime := fixed.Add(-time.Minute)
	if !entry.CreatedAt.Equal(expectedTime) {
		t.Fatalf("expected CreatedAt %s, got %s", expectedTime.Format(time.RFC3339Nano), entry.CreatedAt.Format(time.RFC3339Nano))
	}
	if entry.IPHash == "" || !strings.HasPrefix(entry.IPHash, defaultHasherPrefix) {
		t.Fatalf("expected hashed ip, got %q", entry.IPHash)
	}

	email, ok := entry.Metadata["email"].(string)
	if !ok || !strings.HasPrefix(email, defaultHasherPrefix) {
		t.Fatalf("expected hashed email, got %#v", entry.Metadata["email"])
	}
	if reason, ok := entry.Metadata["reason"].(string); !ok || reason != "changed my mind" {
		t.Fatalf("expected metadata reason to be preserved, got %#v", entry.Metadata["reason"])
	}

	phone := entry.Diff["contactPhone"].(map[string]any)
	if before := phone["before"].(string); !strings.HasPrefix(before, defaultHasherPrefix) {
		t.Fatalf("expected hashed diff before, got %q", before)
	}
	if after := phone["after"].(string); !strings.HasPrefix(after, defaultHasherPrefix) {
		t.Fatalf("expected hashed diff after, got %q", after)
	}

	status := entry.Diff["status"].(map[string]any)
	if status["before"] != "pending_payment" || status["after"] != "cancelled" {
		t.Fatalf("expected diff preserved, got %#v", status)
	}

	if len(logger.warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", logger.warnings)
	}
}

func TestAuditLogServiceRecordNormalizesActorTypes(t *testing.T) {
	cases := []struct {
		name      string
		actor     string
		actorType string
		want      string
	}{
		{name: "explicit type normalized", actor: "ops-7", actorType: " Admin ", want: "admin"},
		{name: "customer prefix inferred", actor: "cus_42", actorType: "", want: "customer"},
		{name: "merchant prefix inferred", actor: "mer_9", actorType: "", want: "merchant"},
		{name: "gateway actor inferred", actor: "gateway", actorType: "", want: "gateway"},
		{name: "system scoped actor inferred", actor: "system:attempt-sweeper", actorType: "", want: "system"},
		{name: "unrecognized actor falls back", actor: "ops-bot", actorType: "staff", want: defaultActorType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubAuditRepo{}
			svc, err := NewAuditLogService(AuditLogServiceDeps{Repository: repo})
			if err != nil {
				t.Fatalf("new audit log service: %v", err)
			}

			svc.Record(context.Background(), AuditLogRecord{
				Actor:     tc.actor,
				ActorType: tc.actorType,
				Action:    "order.transition",
				TargetRef: "orders/ord_1",
			})

			if len(repo.entries) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(repo.entries))
			}
			if got := repo.entries[0].ActorType; got != tc.want {
				t.Fatalf("actor %q type %q: expected %q, got %q", tc.actor, tc.actorType, tc.want, got)
			}
		})
	}
}

func TestAuditLogServiceRecordLogsOnFailure(t *testing.T) {
	repo := &stubAuditRepo{appendErr: errors.New("boom")}
	logger := &captureAuditLogger{}

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{
		Actor:     "system",
		Action:    "test.action",
		TargetRef: "resource:1",
	})

	if len(logger.warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(logger.warnings))
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected append invoked once, got %d", len(repo.entries))
	}
}

func TestAuditLogServiceListDelegates(t *testing.T) {
	repo := &stubAuditRepo{
		listResp: domain.CursorPage[domain.AuditLogEntry]{
			Items: []domain.AuditLogEntry{
				{ID: "log-1"},
			},
			NextPageToken: "next-token",
		},
	}

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: repo,
	})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}

	page, err := svc.List(context.Background(), AuditLogFilter{
		TargetRef:  " orders/ord_123 ",
		Actor:      " mer_1 ",
		ActorType:  " Merchant ",
		Action:     " order.transition ",
		Pagination: Pagination{PageSize: 25, PageToken: " token "},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if page.NextPageToken != "next-token" || len(page.Items) != 1 || page.Items[0].ID != "log-1" {
		t.Fatalf("unexpected page response: %#v", page)
	}

	if repo.listFilter.TargetRef != "orders/ord_123" {
		t.Fatalf("expected trimmed target ref, got %q", repo.listFilter.TargetRef)
	}
	if repo.listFilter.Actor != "mer_1" {
		t.Fatalf("expected trimmed actor, got %q", repo.listFilter.Actor)
	}
	if repo.listFilter.ActorType != "Merchant" {
		t.Fatalf("expected actor type preserved case, got %q", repo.listFilter.ActorType)
	}
	if repo.listFilter.Action != "order.transition" {
		t.Fatalf("expected action preserved, got %q", repo.listFilter.Action)
	}
	if repo.listFilter.Pagination.PageSize != 25 {
		t.Fatalf("expected page size 25, got %d", repo.listFilter.Pagination.PageSize)
	}
	if repo.listFilter.Pagination.PageToken != " token " {
		t.Fatalf("expected page token untouched, got %q", repo.listFilter.Pagination.PageToken)
	}
}

func TestAuditLogServiceHashAnyProducesStableHashes(t *testing.T) {
	repo := &stubAuditRepo{}
	service, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: repo,
	})
	if err != nil {
		t.Fatalf("new audit log service: %v", err)
	}
	impl := service.(*auditLogService)

	t1 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)

	first := map[time.Time]string{
		t1: "alpha",
		t2: "bravo",
	}
	second := map[time.Time]string{
		t2: "bravo",
		t1: "alpha",
	}

	hash1 := impl.hashAny(first)
	hash2 := impl.hashAny(second)

	if hash1 != hash2 {
		t.Fatalf("expected stable hash, got %q and %q", hash1, hash2)
	}
}
