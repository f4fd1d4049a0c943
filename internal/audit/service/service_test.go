package service

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/factora/internal/audit/domain"
	"github.com/smallbiznis/factora/internal/audit/repository"
	"github.com/smallbiznis/factora/internal/clock"
	"github.com/smallbiznis/factora/internal/dbtest"
	obscontext "github.com/smallbiznis/factora/internal/observability/context"
	"github.com/smallbiznis/factora/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    dbtest.Open(t),
		Log:   zap.NewNop(),
		GenID: dbtest.Node(t),
		Repo:  repository.Provide(),
		Clock: fc,
	})
	return svc, fc
}

func TestAuditLogResolvesActorFromContext(t *testing.T) {
	svc, _ := newTestService(t)

	ctx := obscontext.WithActor(context.Background(), "VERIFIER", "42")
	ctx = obscontext.WithRequestID(ctx, "req-1")
	ctx = obscontext.WithIPAddress(ctx, "10.0.0.8")

	target := "1001"
	require.NoError(t, svc.AuditLog(ctx, "", nil, auditdomain.ActionPaymentConfirmed, "invoice", &target, map[string]any{
		"confirmation_proof": "bank-ref-99887766",
		"tx_hash":            "abc",
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetID: "1001"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, string(auditdomain.ActorTypeUser), entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "42", *entry.ActorID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.8", *entry.IPAddress)
	assert.Equal(t, "VERIFIER", entry.Metadata["actor_role"])
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.Equal(t, "****7766", entry.Metadata["confirmation_proof"])
	assert.Equal(t, "abc", entry.Metadata["tx_hash"])
}

func TestAuditLogDefaultsToSystemActor(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.AuditLog(context.Background(), "", nil, auditdomain.ActionEscrowDrift, "", nil, nil))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.AuditLog(context.Background(), "system", nil, "  ", "invoice", nil, nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()

	for _, action := range []string{
		auditdomain.ActionInvoiceCreated,
		auditdomain.ActionInvoiceSubmitted,
		auditdomain.ActionInvoiceApproved,
	} {
		require.NoError(t, svc.AuditLog(ctx, "system", nil, action, "invoice", nil, nil))
		fc.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, auditdomain.ActionInvoiceApproved, first.AuditLogs[0].Action)
	assert.Equal(t, auditdomain.ActionInvoiceSubmitted, first.AuditLogs[1].Action)

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, auditdomain.ActionInvoiceCreated, second.AuditLogs[0].Action)
}

func TestListFiltersByActionFamily(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()

	for _, action := range []string{
		auditdomain.ActionInvoiceCreated,
		auditdomain.ActionInvestmentCreated,
		auditdomain.ActionInvoiceFunded,
		auditdomain.ActionPaymentConfirmed,
	} {
		require.NoError(t, svc.AuditLog(ctx, "system", nil, action, "invoice", nil, nil))
		fc.Advance(time.Minute)
	}

	family, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "invoice.*"})
	require.NoError(t, err)
	require.Len(t, family.AuditLogs, 2)
	assert.Equal(t, auditdomain.ActionInvoiceFunded, family.AuditLogs[0].Action)
	assert.Equal(t, auditdomain.ActionInvoiceCreated, family.AuditLogs[1].Action)

	exact, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: auditdomain.ActionPaymentConfirmed})
	require.NoError(t, err)
	require.Len(t, exact.AuditLogs, 1)
}

func TestListValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
