package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/audit"
	"github.com/cuongbtq/ongkir-resilience/shared/logger"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_Postgres(t *testing.T) {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		t.Skip("DB_URL not set (integration test)")
	}

	db, err := sqlx.Connect("pgx", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile("../../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
	_, err = db.Exec(`TRUNCATE audit_events`)
	require.NoError(t, err)

	s := NewStorage(db, logger.NewNop())
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, audit.Event{Kind: audit.KindIPBanned, Subject: "203.0.113.7", Detail: map[string]any{"keys": 4}, At: at}))
	require.NoError(t, s.Record(ctx, audit.Event{Kind: audit.KindHeartbeatCheckIn, Subject: "deadman", At: at.Add(time.Minute)}))

	all, err := s.ListRecent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, audit.KindHeartbeatCheckIn, all[0].Kind)

	bans, err := s.ListRecent(ctx, audit.KindIPBanned, 10)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "203.0.113.7", bans[0].Subject)
	assert.EqualValues(t, 4, bans[0].Detail["keys"])
}
