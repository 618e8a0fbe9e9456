package redisx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTripAndOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := New(mr.Addr())
	defer rdb.Close()
	ctx := context.Background()

	var out map[string]string
	found, err := GetJSON(ctx, rdb, "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, rdb, "k", map[string]string{"status": "pending"}, time.Minute))
	found, err = GetJSON(ctx, rdb, "k", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pending", out["status"])

	won, err := Once(ctx, rdb, "guard", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = Once(ctx, rdb, "guard", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	assert.True(t, mr.Exists("guard"))
}
