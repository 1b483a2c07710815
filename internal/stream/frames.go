package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tickerwatch/internal/market"
)

// MalformedTickError describes one tick that failed to parse or
// carried an invalid price. The raw payload is kept for logging.
type MalformedTickError struct {
	Symbol string
	Raw    string
	Err    error
}

func (e *MalformedTickError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("malformed tick for %s: %v", e.Symbol, e.Err)
	}
	return fmt.Sprintf("malformed tick: %v", e.Err)
}

func (e *MalformedTickError) Unwrap() error { return e.Err }

// tickEvent is the tolerant-reader view of one mark price event.
// Unknown fields are ignored by encoding/json.
type tickEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// combinedFrame wraps events delivered on a combined stream endpoint.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// parseFrame extracts ticks from one websocket payload. The feed may
// deliver a single event, an array of events, or a combined-stream
// wrapper; control responses (subscribe acks) carry no symbol and are
// skipped silently.
func parseFrame(payload []byte) ([]market.Tick, []*MalformedTickError) {
	var wrapper combinedFrame
	if err := json.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Data) > 0 {
		payload = wrapper.Data
	}

	var events []tickEvent
	if bytes.HasPrefix(bytes.TrimSpace(payload), []byte("[")) {
		if err := json.Unmarshal(payload, &events); err != nil {
			return nil, []*MalformedTickError{{Raw: string(payload), Err: err}}
		}
	} else {
		var single tickEvent
		if err := json.Unmarshal(payload, &single); err != nil {
			return nil, []*MalformedTickError{{Raw: string(payload), Err: err}}
		}
		events = append(events, single)
	}

	var (
		ticks     []market.Tick
		malformed []*MalformedTickError
	)
	for _, ev := range events {
		if ev.Symbol == "" {
			continue
		}
		tick, err := ev.toTick()
		if err != nil {
			malformed = append(malformed, err)
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, malformed
}

func (ev tickEvent) toTick() (market.Tick, *MalformedTickError) {
	price, err := decimal.NewFromString(ev.MarkPrice)
	if err != nil {
		return market.Tick{}, &MalformedTickError{Symbol: ev.Symbol, Raw: ev.MarkPrice, Err: err}
	}
	if !price.IsPositive() {
		return market.Tick{}, &MalformedTickError{
			Symbol: ev.Symbol,
			Raw:    ev.MarkPrice,
			Err:    fmt.Errorf("non-positive price %s", price),
		}
	}

	ts := time.Now().UTC()
	if ev.EventTime > 0 {
		ts = time.UnixMilli(ev.EventTime).UTC()
	}

	return market.Tick{Symbol: ev.Symbol, Price: price, Time: ts}, nil
}
