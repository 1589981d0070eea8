package clob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameShapes(t *testing.T) {
	single := []byte(`{"event_type":"book","asset_id":"tok"}`)
	assert.Len(t, parseFrame(single), 1)

	batch := []byte(`[{"event_type":"book","asset_id":"a"},{"event_type":"price_change","asset_id":"b"}]`)
	evs := parseFrame(batch)
	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].AssetID)
	assert.Equal(t, "b", evs[1].AssetID)

	assert.Nil(t, parseFrame([]byte(``)))
	assert.Nil(t, parseFrame([]byte(`not json`)))
	assert.Nil(t, parseFrame([]byte(`[broken`)))
}

func TestBookEventTopOfBook(t *testing.T) {
	ev := wsEvent{
		EventType: "book",
		AssetID:   "tok",
		Bids: []level{
			{Price: "0.45", Size: "100"},
			{Price: "0.48", Size: "50"},
			{Price: "0.40", Size: "200"},
		},
		Asks: []level{
			{Price: "0.55", Size: "80"},
			{Price: "0.52", Size: "10"},
			{Price: "bogus", Size: "10"},
		},
		Timestamp: "1748779200000",
	}

	upd, ok := toBookUpdate(ev)
	require.True(t, ok)
	assert.Equal(t, "tok", upd.TokenID)
	assert.Equal(t, 0.48, upd.BestBid)
	assert.Equal(t, 0.52, upd.BestAsk)
	assert.Equal(t, int64(1748779200000), upd.Timestamp)
}

func TestPriceChangeEvent(t *testing.T) {
	ev := wsEvent{
		EventType: "price_change",
		AssetID:   "tok",
		BestBid:   "0.61",
		BestAsk:   "0.63",
	}

	upd, ok := toBookUpdate(ev)
	require.True(t, ok)
	assert.Equal(t, 0.61, upd.BestBid)
	assert.Equal(t, 0.63, upd.BestAsk)
}

func TestIncompleteQuotesSkipped(t *testing.T) {
	// One-sided books never become updates.
	_, ok := toBookUpdate(wsEvent{
		EventType: "book",
		AssetID:   "tok",
		Bids:      []level{{Price: "0.45", Size: "1"}},
	})
	assert.False(t, ok)

	_, ok = toBookUpdate(wsEvent{EventType: "price_change", AssetID: "tok", BestBid: "0.5"})
	assert.False(t, ok)

	_, ok = toBookUpdate(wsEvent{EventType: "tick_size_change", AssetID: "tok"})
	assert.False(t, ok)

	_, ok = toBookUpdate(wsEvent{EventType: "book"})
	assert.False(t, ok)
}
