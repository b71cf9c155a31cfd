// Package barfeed supplies the dry-run/sim bar replay path named in §6:
// fixed-schema per-instrument-per-day CSV files under
// data/raw/{instrument}/1m/{YYYY}/{MM}/{INSTR}_1m_{YYYY-MM-DD}.csv.
package barfeed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// PathFor builds the CSV path for instrument on tradingDate ("YYYY-MM-DD"),
// per §6's "Dry-run pre-hydration CSV path" convention.
func PathFor(root, instrument, tradingDate string) (string, error) {
	d, err := time.Parse("2006-01-02", tradingDate)
	if err != nil {
		return "", fmt.Errorf("barfeed: invalid trading date %q: %w", tradingDate, err)
	}
	lower := strings.ToLower(instrument)
	upper := strings.ToUpper(instrument)
	name := fmt.Sprintf("%s_1m_%s.csv", upper, tradingDate)
	return filepath.Join(root, "data", "raw", lower, "1m", d.Format("2006"), d.Format("01"), name), nil
}

// LoadBars reads one day's 1-minute bars from path. The CSV header must be
// timestamp_utc, open, high, low, close[, volume] — volume is optional.
func LoadBars(path string) ([]models.Bar, error) {
	f, err := os.Open(path) // #nosec G304 -- path is derived from a fixed, operator-controlled root
	if err != nil {
		return nil, fmt.Errorf("barfeed: opening %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("barfeed: reading header of %q: %w", path, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"timestamp_utc", "open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("barfeed: %q missing required column %q", path, required)
		}
	}
	volIdx, hasVolume := cols["volume"]

	var bars []models.Bar
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("barfeed: reading row in %q: %w", path, err)
		}

		openUTC, err := time.Parse(time.RFC3339, row[cols["timestamp_utc"]])
		if err != nil {
			return nil, fmt.Errorf("barfeed: invalid timestamp_utc %q in %q: %w", row[cols["timestamp_utc"]], path, err)
		}
		o, err := strconv.ParseFloat(row[cols["open"]], 64)
		if err != nil {
			return nil, fmt.Errorf("barfeed: invalid open in %q: %w", path, err)
		}
		h, err := strconv.ParseFloat(row[cols["high"]], 64)
		if err != nil {
			return nil, fmt.Errorf("barfeed: invalid high in %q: %w", path, err)
		}
		l, err := strconv.ParseFloat(row[cols["low"]], 64)
		if err != nil {
			return nil, fmt.Errorf("barfeed: invalid low in %q: %w", path, err)
		}
		c, err := strconv.ParseFloat(row[cols["close"]], 64)
		if err != nil {
			return nil, fmt.Errorf("barfeed: invalid close in %q: %w", path, err)
		}
		var vol float64
		if hasVolume {
			vol, _ = strconv.ParseFloat(row[volIdx], 64)
		}

		bar := models.Bar{
			OpenUTC: openUTC.UTC(),
			Open:    o,
			High:    h,
			Low:     l,
			Close:   c,
			Volume:  vol,
			Source:  models.SourceCSV,
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("barfeed: %q: %w", path, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
