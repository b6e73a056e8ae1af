package exchange

import (
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
)

func TestAggTradeConversion(t *testing.T) {
	raw := &futures.AggTrade{
		AggTradeID:   42,
		Price:        "50000.5",
		Quantity:     "0.25",
		Timestamp:    1724500000000,
		IsBuyerMaker: true,
	}

	tr := aggTradeToTrade(raw)
	assert.Equal(t, "42", tr.ID)
	assert.InDelta(t, 50000.5, tr.Price, 1e-9)
	assert.InDelta(t, 0.25, tr.Amount, 1e-9)
	assert.Equal(t, "sell", tr.Side, "buyer as maker means the taker sold")
	assert.Equal(t, time.UnixMilli(1724500000000).UTC(), tr.Timestamp)

	raw.IsBuyerMaker = false
	assert.Equal(t, "buy", aggTradeToTrade(raw).Side)
}
