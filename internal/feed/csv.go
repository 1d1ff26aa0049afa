package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"tradeGuard/internal/domain"
)

var csvHeader = []string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"}

// WriteKlinesCSV writes klines with a header row. Times are RFC3339.
func WriteKlinesCSV(w io.Writer, klines []*domain.Kline) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, k := range klines {
		if err := writer.Write([]string{
			k.OpenTime.Format(time.RFC3339),
			k.CloseTime.Format(time.RFC3339),
			k.Symbol,
			k.Interval,
			strconv.FormatFloat(k.Open, 'f', -1, 64),
			strconv.FormatFloat(k.High, 'f', -1, 64),
			strconv.FormatFloat(k.Low, 'f', -1, 64),
			strconv.FormatFloat(k.Close, 'f', -1, 64),
			strconv.FormatFloat(k.Volume, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadKlinesCSV parses rows written by WriteKlinesCSV. Every kline read is final.
func ReadKlinesCSV(r io.Reader) ([]*domain.Kline, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(csvHeader)

	var klines []*domain.Kline
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return klines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && rec[0] == csvHeader[0] {
			continue
		}
		k, err := parseKline(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		klines = append(klines, k)
	}
}

// ReadKlinesFile opens filename and reads it with ReadKlinesCSV.
func ReadKlinesFile(filename string) ([]*domain.Kline, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadKlinesCSV(f)
}

// WriteKlinesFile creates filename and writes klines to it.
func WriteKlinesFile(filename string, klines []*domain.Kline) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteKlinesCSV(f, klines); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parseKline(rec []string) (*domain.Kline, error) {
	openTime, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return nil, fmt.Errorf("invalid open_time: %w", err)
	}
	closeTime, err := time.Parse(time.RFC3339, rec[1])
	if err != nil {
		return nil, fmt.Errorf("invalid close_time: %w", err)
	}
	k := &domain.Kline{OpenTime: openTime, CloseTime: closeTime, Symbol: rec[2], Interval: rec[3], IsFinal: true}
	for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		v, err := strconv.ParseFloat(rec[4+i], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", csvHeader[4+i], err)
		}
		*dst = v
	}
	return k, nil
}
