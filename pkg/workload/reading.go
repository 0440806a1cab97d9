// Package workload turns the sensor benchmark file into 2PC transactions.
package workload

import (
	"bufio"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// TimeLayout is the timestamp format of the benchmark file.
const TimeLayout = "2006-01-02 15:04:05"

var ErrMalformed = errors.New("malformed benchmark line")

// Reading is one observation: the INSERT that stores it, plus the sensor
// and time it was taken at.
type Reading struct {
	Statement string
	Sensor    string
	Time      time.Time
}

// Key identifies the reading for routing.
func (r Reading) Key() string {
	return r.Sensor + "|" + r.Time.Format(TimeLayout)
}

// ParseLine reads one benchmark line. Each line is an INSERT statement whose
// last two values are the timestamp and the sensor id.
func ParseLine(line string) (Reading, error) {
	line = strings.TrimSpace(line)
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return Reading{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	sensor := strings.NewReplacer(")", "", ";", "", "'", "", " ", "").Replace(fields[len(fields)-1])
	if sensor == "" {
		return Reading{}, fmt.Errorf("%w: no sensor id in %q", ErrMalformed, line)
	}

	raw := strings.NewReplacer("'", "").Replace(strings.TrimSpace(fields[len(fields)-2]))
	ts, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: bad timestamp %q: %v", ErrMalformed, raw, err)
	}

	return Reading{Statement: line, Sensor: sensor, Time: ts}, nil
}

// Parse reads every non-empty line of r.
func Parse(r io.Reader) ([]Reading, error) {
	var readings []Reading

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	n := 0
	for scanner.Scan() {
		n++
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		reading, err := ParseLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		readings = append(readings, reading)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

// Transaction is the work for one sensor within one window.
type Transaction struct {
	WindowEnd time.Time
	Sensor    string
	Readings  []Reading
}

// Batch groups time-ordered readings into windows of the given length,
// starting at the first reading, and splits each window per sensor.
// Sensors are emitted in id order within a window.
func Batch(readings []Reading, window time.Duration) []Transaction {
	if len(readings) == 0 || window <= 0 {
		return nil
	}

	var (
		out     []Transaction
		end     = readings[0].Time.Add(window)
		current = make(map[string][]Reading)
	)

	emit := func() {
		sensors := make([]string, 0, len(current))
		for s := range current {
			sensors = append(sensors, s)
		}
		sort.Strings(sensors)
		for _, s := range sensors {
			out = append(out, Transaction{WindowEnd: end, Sensor: s, Readings: current[s]})
		}
		current = make(map[string][]Reading)
	}

	for _, r := range readings {
		if r.Time.After(end) {
			emit()
			for r.Time.After(end) {
				end = end.Add(window)
			}
		}
		current[r.Sensor] = append(current[r.Sensor], r)
	}
	emit()

	return out
}

// Route picks the site that stores r.
func Route(r Reading, sites []protocol.SiteID) protocol.SiteID {
	if len(sites) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(r.Key()))
	return sites[h.Sum32()%uint32(len(sites))]
}

// Request builds the submit request of t over sites.
func (t Transaction) Request(sites []protocol.SiteID) *protocol.TransactionRequest {
	req := &protocol.TransactionRequest{}
	for _, r := range t.Readings {
		req.Operations = append(req.Operations, protocol.Operation{
			Site:      Route(r, sites),
			Statement: r.Statement,
		})
	}
	return req
}
