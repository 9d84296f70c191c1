package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u@db/x", DSN(ClientConfig{DSN: " postgres://u@db/x ", Host: "ignored"}))

	got := DSN(ClientConfig{Host: "db", Database: "arxpredict", User: "app", Password: "p@ss/word"})
	assert.Equal(t, "postgres://app:p%40ss%2Fword@db:5432/arxpredict?sslmode=disable", got)

	got = DSN(ClientConfig{Host: "db", Port: 6543, Database: "arxpredict", SSLMode: "require"})
	assert.Equal(t, "postgres://db:6543/arxpredict?sslmode=require", got)
}

func TestPendingMigrations(t *testing.T) {
	all, err := pendingMigrations(nil)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "001_init.sql", all[0])

	rest, err := pendingMigrations([]string{"001_init.sql"})
	require.NoError(t, err)
	assert.NotContains(t, rest, "001_init.sql")
}
