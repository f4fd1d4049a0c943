package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/factora/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-9")
	ctx = obscontext.WithActor(ctx, "VERIFIER", "7")
	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "VERIFIER", fields["actor_role"])
	assert.Equal(t, "7", fields["actor_id"])
	assert.Equal(t, "", fields["trace_id"])
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "UPDATE", operationFromSQL("UPDATE invoices SET status = 'LISTED'"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("xml"))
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "escrow_records", tableFromSQL(`SELECT * FROM "escrow_records" WHERE id = $1`))
	assert.Equal(t, "payouts", tableFromSQL("INSERT INTO payouts (id) VALUES (1)"))
	assert.Equal(t, "invoices", tableFromSQL("UPDATE invoices SET funded_amount = funded_amount + 1"))
}
