package handler

import (
	"testing"
	"time"

	"github.com/cuongbtq/ongkir-resilience/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor(t *testing.T) {
	cursor := &domain.JobCursor{
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC),
		ID:        "5f1c6c1e-7a55-4a8e-9d5c-2b7f0f3d9a10",
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.Equal(t, cursor, decoded)

	empty, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	for _, bad := range []string{"***", "bm8tc2VwYXJhdG9y", "YWJjfGlk"} {
		_, err := DecodeJobCursor(bad)
		assert.Error(t, err, bad)
	}
}
