package feed

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/indicators"
)

func TestKlinesCSV_WriteThenRead(t *testing.T) {
	open := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	klines := []*domain.Kline{
		{OpenTime: open, CloseTime: open.Add(time.Minute), Symbol: "EURUSDT", Interval: "1m", Open: 1.1, High: 1.102, Low: 1.099, Close: 1.1015, Volume: 12.5},
		{OpenTime: open.Add(time.Minute), CloseTime: open.Add(2 * time.Minute), Symbol: "EURUSDT", Interval: "1m", Open: 1.1015, High: 1.103, Low: 1.1, Close: 1.1025, Volume: 8},
	}

	path := filepath.Join(t.TempDir(), "klines.csv")
	require.NoError(t, WriteKlinesFile(path, klines))

	got, err := ReadKlinesFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].OpenTime.Equal(klines[1].OpenTime))
	assert.Equal(t, 1.1025, got[1].Close)
	assert.Equal(t, "1m", got[0].Interval)
	assert.True(t, got[0].IsFinal)
}

func TestReadKlinesCSV_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bad time", "x,2024-03-04T09:01:00Z,S,1m,1,1,1,1,1\n", "open_time"},
		{"bad price", "2024-03-04T09:00:00Z,2024-03-04T09:01:00Z,S,1m,1,abc,1,1,1\n", "invalid high"},
		{"wrong field count", "2024-03-04T09:00:00Z,S\n", "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadKlinesCSV(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadKlinesCSV_HeaderOptional(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKlinesCSV(&buf, nil))
	got, err := ReadKlinesCSV(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ReadKlinesCSV(strings.NewReader("2024-03-04T09:00:00Z,2024-03-04T09:01:00Z,S,1m,1,2,0.5,1.5,3\n"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.5, got[0].Close)
}

func TestBuilder_Next(t *testing.T) {
	_, err := NewBuilder(Instrument{Label: "EURUSD"}, indicators.SetConfig{FastMAPeriod: 2, SlowMAPeriod: 3, ATRPeriod: 2, RSIPeriod: 2})
	assert.Error(t, err, "pip size required")

	b, err := NewBuilder(Instrument{
		Label: "EURUSD", PipSize: 0.0001, PipValue: 1, PipValueUnits: 10000, SpreadPips: 1.5,
		Volume: domain.VolumeRules{Min: 1000, Step: 1000},
	}, indicators.SetConfig{FastMAPeriod: 2, SlowMAPeriod: 3, ATRPeriod: 2, RSIPeriod: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, b.WarmUp())

	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	account := domain.AccountSnapshot{Balance: 10000, Equity: 9990}
	var last domain.MarketUpdate
	for i, c := range []float64{1.1000, 1.1010, 1.1020, 1.1030} {
		k := &domain.Kline{OpenTime: start.Add(time.Duration(i) * time.Minute), CloseTime: start.Add(time.Duration(i+1) * time.Minute),
			Open: c, High: c + 0.0005, Low: c - 0.0005, Close: c}
		u, ready := b.Next(k, account)
		assert.Equal(t, i >= 2, ready, "bar %d", i)
		last = u
	}

	assert.Equal(t, int64(4), last.BarIndex)
	assert.Equal(t, "EURUSD", last.Instrument)
	assert.Equal(t, 1.1030, last.Bid)
	assert.InDelta(t, 1.10315, last.Ask, 1e-12)
	assert.InDelta(t, 1.5, last.SpreadInPips(), 1e-9)
	assert.Equal(t, 9990.0, last.Equity)
	assert.True(t, last.Timestamp.Equal(start.Add(4*time.Minute)))
	assert.Greater(t, last.Indicators.FastMA, last.Indicators.SlowMA)
	assert.Greater(t, last.Indicators.ATR, 0.0)
}
