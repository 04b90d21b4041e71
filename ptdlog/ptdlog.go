/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package ptdlog parses PTD's per-sample CSV log lines and derives the
per-mark maxima and mean the session state machine (C6) needs to compute
testing-mode ranges, per spec.md §4.4.

Values are kept as github.com/shopspring/decimal throughout rather than
float64, so that a maximum keeps the digits and scale PTD printed
(StringFixed(-Exponent()) reproduces the text; String() drops trailing
zeros) — no example repo in the corpus needs decimal-exact
parsing, so this dependency is justified directly rather than grounded;
see DESIGN.md.
*/
package ptdlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMeasurementEndedTooFast is returned when the elapsed wall time
// between Go and Stop was under one second and no sample row matched.
var ErrMeasurementEndedTooFast = errors.New("ptdlog: the measurement ended too fast")

// MeasurementEndedTooFastThreshold is the elapsed-time floor below which a
// no-samples failure is promoted to ErrMeasurementEndedTooFast.
const MeasurementEndedTooFastThreshold = 1 * time.Second

// NoPositiveWattsSentinel is meanWatts' value when no positive Watts
// sample was found, per spec.md §4.4.
var NoPositiveWattsSentinel = decimal.NewFromInt(-1)

// Stats is the per-mark derivation spec.md §4.4 and §3 require.
type Stats struct {
	MaxVolts  decimal.Decimal
	MaxAmps   decimal.Decimal
	MeanWatts decimal.Decimal
}

// channelTuple is one Ch<k>,Watts,..,Volts,..,Amps,..,PF,.. group trailing a row.
type channelTuple struct {
	channel int
	watts   decimal.Decimal
	volts   decimal.Decimal
	amps    decimal.Decimal
}

// Derive reads the sample log at path and computes (maxVolts, maxAmps,
// meanWatts) over rows whose Mark field equals mark exactly, per
// spec.md §4.4. startChan/nChans select which Ch<k> tuples count on a
// multichannel row; nChans == 0 means single-channel (use the row's
// primary triple). elapsed is the Go-to-Stop wall time, used to decide
// whether a no-samples failure should be promoted to
// ErrMeasurementEndedTooFast.
func Derive(path, mark string, startChan, nChans int, elapsed time.Duration) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("ptdlog: opening %s: %w", path, err)
	}
	defer f.Close()

	var maxVolts, maxAmps decimal.Decimal
	haveMax := false
	sumWatts := decimal.Zero
	countWatts := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		row, err := parseRow(scanner.Text())
		if err != nil {
			continue // malformed rows are not this mark's business
		}
		if row.mark != mark {
			continue
		}

		var values []channelTuple
		if nChans == 0 {
			values = []channelTuple{{watts: row.watts, volts: row.volts, amps: row.amps}}
		} else {
			values, err = selectChannels(row, startChan, nChans)
			if err != nil {
				return Stats{}, fmt.Errorf("ptdlog: %s:%d: %w", path, lineNo, err)
			}
		}

		for _, v := range values {
			if !haveMax || v.volts.GreaterThan(maxVolts) {
				maxVolts = v.volts
			}
			if !haveMax || v.amps.GreaterThan(maxAmps) {
				maxAmps = v.amps
			}
			haveMax = true
			if v.watts.IsPositive() {
				sumWatts = sumWatts.Add(v.watts)
				countWatts++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Stats{}, fmt.Errorf("ptdlog: reading %s: %w", path, err)
	}

	meanWatts := NoPositiveWattsSentinel
	if countWatts > 0 {
		meanWatts = sumWatts.Div(decimal.NewFromInt(int64(countWatts)))
	}

	if !haveMax || !maxVolts.IsPositive() || !maxAmps.IsPositive() {
		if elapsed < MeasurementEndedTooFastThreshold {
			return Stats{}, ErrMeasurementEndedTooFast
		}
		return Stats{}, fmt.Errorf("ptdlog: no matching rows with positive volts/amps for mark %q in %s", mark, path)
	}

	return Stats{MaxVolts: maxVolts, MaxAmps: maxAmps, MeanWatts: meanWatts}, nil
}

// row is one parsed PTD sample line.
type row struct {
	ts       string
	watts    decimal.Decimal
	volts    decimal.Decimal
	amps     decimal.Decimal
	pf       decimal.Decimal
	mark     string
	channels []channelTuple
}

// parseRow parses "Time, <iso>, Watts, <d>, Volts, <d>, Amps, <d>, PF,
// <d>, Mark, <mark>[, Ch<k>, Watts, .., Volts, .., Amps, .., PF, ..]*".
func parseRow(line string) (row, error) {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 12 {
		return row{}, fmt.Errorf("ptdlog: short row: %q", line)
	}
	if fields[0] != "Time" || fields[2] != "Watts" || fields[4] != "Volts" ||
		fields[6] != "Amps" || fields[8] != "PF" {
		return row{}, fmt.Errorf("ptdlog: unexpected row layout: %q", line)
	}

	watts, err := decimal.NewFromString(fields[3])
	if err != nil {
		return row{}, fmt.Errorf("ptdlog: Watts value %q: %w", fields[3], err)
	}
	volts, err := decimal.NewFromString(fields[5])
	if err != nil {
		return row{}, fmt.Errorf("ptdlog: Volts value %q: %w", fields[5], err)
	}
	amps, err := decimal.NewFromString(fields[7])
	if err != nil {
		return row{}, fmt.Errorf("ptdlog: Amps value %q: %w", fields[7], err)
	}
	pf, err := decimal.NewFromString(fields[9])
	if err != nil {
		return row{}, fmt.Errorf("ptdlog: PF value %q: %w", fields[9], err)
	}
	if fields[10] != "Mark" {
		return row{}, fmt.Errorf("ptdlog: expected Mark field, got %q", fields[10])
	}
	mark := fields[11]

	r := row{ts: fields[1], watts: watts, volts: volts, amps: amps, pf: pf, mark: mark}

	rest := fields[12:]
	for len(rest) >= 8 {
		if !strings.HasPrefix(rest[0], "Ch") {
			return row{}, fmt.Errorf("ptdlog: expected Ch<k>, got %q", rest[0])
		}
		k, err := strconv.Atoi(strings.TrimPrefix(rest[0], "Ch"))
		if err != nil {
			return row{}, fmt.Errorf("ptdlog: channel index %q: %w", rest[0], err)
		}
		if rest[1] != "Watts" || rest[3] != "Volts" || rest[5] != "Amps" {
			return row{}, fmt.Errorf("ptdlog: malformed channel tuple: %v", rest[:8])
		}
		cw, err := decimal.NewFromString(rest[2])
		if err != nil {
			return row{}, fmt.Errorf("ptdlog: channel %d Watts %q: %w", k, rest[2], err)
		}
		cv, err := decimal.NewFromString(rest[4])
		if err != nil {
			return row{}, fmt.Errorf("ptdlog: channel %d Volts %q: %w", k, rest[4], err)
		}
		ca, err := decimal.NewFromString(rest[6])
		if err != nil {
			return row{}, fmt.Errorf("ptdlog: channel %d Amps %q: %w", k, rest[6], err)
		}
		r.channels = append(r.channels, channelTuple{channel: k, watts: cw, volts: cv, amps: ca})
		rest = rest[8:]
	}

	return r, nil
}

// selectChannels returns the channel tuples in [startChan, startChan+nChans)
// in order, failing with an "extra channel" error if the row runs out of
// tuples before every expected channel is found, per spec.md §4.4.
func selectChannels(r row, startChan, nChans int) ([]channelTuple, error) {
	want := make(map[int]bool, nChans)
	for k := startChan; k < startChan+nChans; k++ {
		want[k] = true
	}
	var out []channelTuple
	for _, ct := range r.channels {
		if want[ct.channel] {
			out = append(out, ct)
			delete(want, ct.channel)
		}
	}
	if len(want) > 0 {
		return nil, fmt.Errorf("extra channel: row exhausted with channels %v still missing", want)
	}
	return out, nil
}
