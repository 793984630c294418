package postgresql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "ongkir",
		Password: "secret",
		Database: "resilience",
	}

	assert.Equal(t,
		"host=localhost port=5432 user=ongkir password=secret dbname=resilience sslmode=disable",
		cfg.DSN(),
	)

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestConfig_DriverName(t *testing.T) {
	tests := []struct {
		driver   string
		expected string
	}{
		{"", DriverPQ},
		{"postgres", DriverPQ},
		{"pgx", DriverPGX},
		{"mysql", DriverPQ},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg := &Config{Driver: tt.driver}
			assert.Equal(t, tt.expected, cfg.DriverName())
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"lib/pq unique violation", &pq.Error{Code: "23505"}, true},
		{"lib/pq wrapped", fmt.Errorf("insert job: %w", &pq.Error{Code: "23505"}), true},
		{"lib/pq foreign key", &pq.Error{Code: "23503"}, false},
		{"pgx unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"pgx check violation", &pgconn.PgError{Code: "23514"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsUniqueViolation(tt.err))
		})
	}
}
