package opsmsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskline/spotpilot/internal/state"
)

func TestDispatch_Pause(t *testing.T) {
	rs := state.New(10, 5, 5)
	require.NoError(t, Dispatch(context.Background(), rs, Msg{Kind: KindPause, Reason: "operator"}))
	paused, reason := rs.IsGloballyPaused()
	assert.True(t, paused)
	assert.Equal(t, "operator", reason)
}

func TestDispatch_Resume(t *testing.T) {
	rs := state.New(10, 5, 5)
	rs.EngageGlobalPause(time.Hour, "x")
	require.NoError(t, Dispatch(context.Background(), rs, Msg{Kind: KindResume}))
	paused, _ := rs.IsGloballyPaused()
	assert.False(t, paused)
}

func TestDispatch_SellAllRequiresSymbol(t *testing.T) {
	rs := state.New(10, 5, 5)
	err := Dispatch(context.Background(), rs, Msg{Kind: KindSellAll})
	assert.Error(t, err)
}

func TestDispatch_SellAllQueuesFlatten(t *testing.T) {
	rs := state.New(10, 5, 5)
	require.NoError(t, Dispatch(context.Background(), rs, Msg{Kind: KindSellAll, Symbol: "BTC/USD", Reason: "test"}))
	pending := rs.TakePendingFlattens()
	assert.Equal(t, "test", pending["BTC/USD"])
}

func TestDispatch_OpenQueuesManualEntry(t *testing.T) {
	rs := state.New(10, 5, 5)
	require.NoError(t, Dispatch(context.Background(), rs, Msg{Kind: KindOpen, Symbol: "ETH/USD", Side: "long"}))
	pending := rs.TakePendingManualEntries()
	require.Len(t, pending, 1)
	assert.Equal(t, "ETH/USD", pending[0].Symbol)
}

func TestDispatch_UnknownKindErrors(t *testing.T) {
	rs := state.New(10, 5, 5)
	err := Dispatch(context.Background(), rs, Msg{Kind: Kind("bogus")})
	assert.Error(t, err)
}
