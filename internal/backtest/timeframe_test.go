package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)
	assert.Equal(t, time.Hour, tf.Duration)

	_, err = ParseTimeframe("7m")
	require.Error(t, err)
}

func TestTimeframe_AlignRange(t *testing.T) {
	tf, _ := ParseTimeframe("1h")
	hour := int64(3_600_000)

	start, end := tf.AlignRange(hour+1, 3*hour+hour/2)
	assert.Equal(t, hour, start)
	assert.Equal(t, 3*hour, end)

	// 反序输入会被交换
	start, end = tf.AlignRange(3*hour, hour)
	assert.Equal(t, hour, start)
	assert.Equal(t, 3*hour, end)
}

func TestTimeframe_ExpectedCandles(t *testing.T) {
	tf, _ := ParseTimeframe("5m")
	step := int64(300_000)
	assert.Equal(t, int64(1), tf.ExpectedCandles(0, 0))
	assert.Equal(t, int64(13), tf.ExpectedCandles(0, 12*step))
	assert.Equal(t, int64(0), tf.ExpectedCandles(step, 0))
}

func TestParseKlines(t *testing.T) {
	body := []byte(`[
		[1700000000000,"100.5","101.0","99.9","100.8","1234.5",1700000299999,"124000.1",321,"600.2","60400.0","0"],
		[1700000300000,"100.8","102.0","100.7","101.9","987.0",1700000599999,"99900.0",210,"500.0","50500.0","0"],
		[1700000600000,"bad"]
	]`)
	candles := ParseKlines(body)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
	assert.Equal(t, int64(1700000299999), candles[0].CloseTime)
	assert.InDelta(t, 100.5, candles[0].Open, 1e-9)
	assert.InDelta(t, 100.8, candles[0].Close, 1e-9)
	assert.Equal(t, int64(321), candles[0].Trades)
	assert.InDelta(t, 101.9, candles[1].Close, 1e-9)
}
