package directory

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "client:c1:instance", clientKey("c1", "instance"))
	assert.Equal(t, "client:c1:worldTitle", clientKey("c1", "worldTitle"))
	assert.Equal(t, "apikey:k1:clients", apiKeyClientsKey("k1"))
}

func TestMillisToTime(t *testing.T) {
	now := time.Now()
	stored := strconv.FormatInt(now.UnixMilli(), 10)
	assert.Equal(t, now.UnixMilli(), millisToTime(stored).UnixMilli())

	assert.True(t, millisToTime("").IsZero())
	assert.True(t, millisToTime("garbage").IsZero())
}

func TestDisabledDirectoryMissesEverything(t *testing.T) {
	var d Directory = Disabled{}

	_, err := d.Lookup(context.Background(), "c1")
	require.Error(t, err)

	require.NoError(t, d.Register(context.Background(), ClientRecord{ClientId: "c1"}, time.Minute))
	require.NoError(t, d.Refresh(context.Background(), "c1", time.Minute))
	require.NoError(t, d.Remove(context.Background(), "c1", "A", "k1"))

	records, err := d.ClientsForKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Empty(t, records)
}
