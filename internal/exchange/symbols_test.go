package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolCache_ToNative_AppliesAliasesBothSides(t *testing.T) {
	c := NewSymbolCache(time.Hour)
	native, err := c.ToNative("BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, "XBTUSD", native)

	native, err = c.ToNative("ETH/DOGE")
	require.NoError(t, err)
	assert.Equal(t, "ETHXDG", native)
}

func TestSymbolCache_ToNative_RejectsMalformedPair(t *testing.T) {
	c := NewSymbolCache(time.Hour)
	_, err := c.ToNative("BTCUSD")
	assert.Error(t, err)
}

func TestSymbolCache_ToNative_CachesWithinTTL(t *testing.T) {
	c := NewSymbolCache(time.Hour)
	_, err := c.ToNative("BTC/USD")
	require.NoError(t, err)
	v, ok := c.native["BTC/USD"]
	require.True(t, ok)
	assert.Equal(t, "XBTUSD", v)
}

func TestNewSymbolCache_FloorsTTLToOneHour(t *testing.T) {
	c := NewSymbolCache(time.Minute)
	assert.GreaterOrEqual(t, c.ttl, time.Hour)
}

func TestToCanonical_ReversesAliases(t *testing.T) {
	assert.Equal(t, "BTC/USD", ToCanonical("XBTUSD", "XBT", "USD"))
	assert.Equal(t, "ETH/DOGE", ToCanonical("ETHXDG", "ETH", "XDG"))
}
