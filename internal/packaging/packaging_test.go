package packaging

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func table() Table {
	return Table{
		DecantMaxML:       10,
		DecantBoxCapacity: 6,
		DecantBoxCost:     decimal.RequireFromString("4.50"),
		BottleBoxCost:     decimal.RequireFromString("9.90"),
	}
}

func TestQuoteEmpty(t *testing.T) {
	q, err := table().Quote(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, q.TotalCost.IsZero())
	assert.Empty(t, q.Containers)
}

func TestQuoteMixed(t *testing.T) {
	q, err := table().Quote(context.Background(), []Item{
		{SizeML: 5, Quantity: 4},
		{SizeML: 10, Quantity: 3},
		{SizeML: 100, Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, q.Containers, 2)
	assert.Equal(t, KindDecantBox, q.Containers[0].Kind)
	assert.Equal(t, 2, q.Containers[0].Count)
	assert.Equal(t, KindBottleBox, q.Containers[1].Kind)
	assert.Equal(t, 2, q.Containers[1].Count)
	// 2 decant boxes * 4.50 + 2 bottle boxes * 9.90
	assert.True(t, q.TotalCost.Equal(decimal.RequireFromString("28.80")), q.TotalCost.String())
}
