package migration

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestUpStatementsSplit(t *testing.T) {
	stmts, err := UpStatements()
	require.NoError(t, err)
	require.NotEmpty(t, stmts)

	for _, stmt := range stmts {
		assert.False(t, strings.HasSuffix(stmt, ";"))
		assert.NotEmpty(t, strings.TrimSpace(stmt))
	}
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS users"))
}

func TestApplySQLiteIsIdempotent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migration_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, ApplySQLite(db))
	require.NoError(t, ApplySQLite(db))

	for _, table := range []string{
		"users", "invoices", "invoice_tokens", "escrow_transactions",
		"token_ownerships", "payments", "payouts", "ledger_transactions", "audit_logs",
	} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}
