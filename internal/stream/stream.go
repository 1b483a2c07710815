package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tickerwatch/internal/market"
	"tickerwatch/internal/metrics"
)

// ErrClosed signals that the connection was shut down on purpose.
var ErrClosed = errors.New("stream: connection closed")

// FatalError marks an unrecoverable handshake rejection, typically
// invalid or revoked credentials. It is never retried internally.
type FatalError struct {
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stream: fatal handshake failure (status %d): %v", e.Status, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// State enumerates the connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options parameterise the stream connection.
type Options struct {
	URL     string
	Symbols []string

	// HandshakeRetries bounds the immediate retries of the initial
	// handshake before Open fails.
	HandshakeRetries int

	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ResetAfter is the sustained-delivery window after which the
	// reconnect attempt counter drops back to zero.
	ResetAfter time.Duration

	// ReadTimeout closes a connection that delivered nothing for the
	// given period, forcing a redial.
	ReadTimeout time.Duration

	HandshakeTimeout time.Duration
	Buffer           int
}

func (o Options) withDefaults() Options {
	if o.HandshakeRetries <= 0 {
		o.HandshakeRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.ResetAfter <= 0 {
		o.ResetAfter = time.Minute
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	return o
}

// Conn owns one long-lived subscription and recovers from transport
// failures transparently. Ticks are delivered on the Ticks channel;
// the channel closes on Close, context cancellation, or fatal error.
type Conn struct {
	opts      Options
	logger    zerolog.Logger
	allowlist map[string]struct{}

	ticks chan market.Tick
	done  chan struct{}

	closeOnce sync.Once
	state     atomic.Int32

	wsMu   sync.Mutex
	active *websocket.Conn

	errMu sync.Mutex
	err   error
}

// Open establishes the subscription, failing fast when the initial
// handshake cannot complete within the bounded retry budget.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Conn, error) {
	opts = opts.withDefaults()

	c := &Conn{
		opts:   opts,
		logger: logger.With().Str("component", "stream").Logger(),
		ticks:  make(chan market.Tick, opts.Buffer),
		done:   make(chan struct{}),
	}
	if len(opts.Symbols) > 0 {
		c.allowlist = make(map[string]struct{}, len(opts.Symbols))
		for _, symbol := range opts.Symbols {
			c.allowlist[strings.ToUpper(symbol)] = struct{}{}
		}
	}

	c.setState(StateConnecting)

	var (
		ws      *websocket.Conn
		dialErr error
	)
	for attempt := 0; attempt < opts.HandshakeRetries; attempt++ {
		ws, dialErr = c.dial(ctx)
		if dialErr == nil {
			break
		}
		var fatal *FatalError
		if errors.As(dialErr, &fatal) {
			c.setState(StateClosed)
			return nil, dialErr
		}
		c.logger.Warn().Err(dialErr).Int("attempt", attempt+1).Msg("initial handshake failed")
	}
	if dialErr != nil {
		c.setState(StateClosed)
		return nil, fmt.Errorf("open stream after %d attempts: %w", opts.HandshakeRetries, dialErr)
	}

	c.setActive(ws)
	go c.run(ctx, ws)
	return c, nil
}

// Ticks returns the tick sequence. It closes once the connection
// reaches the Closed state.
func (c *Conn) Ticks() <-chan market.Tick { return c.ticks }

// State reports the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Err reports the terminal error, if any, after Ticks has closed.
// A clean Close leaves it nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close releases the transport. Idempotent; pending channel reads
// observe channel close rather than an error. The live socket is torn
// down here so a blocked read returns immediately even on a quiet
// feed with no read deadline.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeActive()
	})
	return nil
}

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) setActive(ws *websocket.Conn) {
	c.wsMu.Lock()
	c.active = ws
	c.wsMu.Unlock()
}

// closeActive tears down the live transport, unblocking a pending
// ReadMessage.
func (c *Conn) closeActive() {
	c.wsMu.Lock()
	if c.active != nil {
		_ = c.active.Close()
		c.active = nil
	}
	c.wsMu.Unlock()
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

func (c *Conn) stopping(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (c *Conn) run(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		c.setState(StateClosed)
		c.closeActive()
		close(c.ticks)
	}()

	// Cancellation must reach a read blocked on a quiet socket, not
	// just the channel send path.
	watchStop := make(chan struct{})
	defer close(watchStop)
	go func() {
		select {
		case <-ctx.Done():
			c.closeActive()
		case <-c.done:
		case <-watchStop:
		}
	}()

	policy := newBackoffPolicy(c.opts.BackoffBase, c.opts.BackoffMax, defaultJitter)

	for {
		c.setActive(ws)
		if c.stopping(ctx) {
			return
		}
		c.setState(StateOpen)
		connectedAt := time.Now()

		readErr := c.readLoop(ctx, ws)
		c.closeActive()

		if c.stopping(ctx) {
			return
		}

		// Sustained delivery before the failure resets the attempt
		// counter so a fresh outage starts from the base delay.
		if time.Since(connectedAt) >= c.opts.ResetAfter {
			policy.Reset()
		}

		c.setState(StateReconnecting)
		metrics.StreamReconnects.Inc()
		c.logger.Warn().Err(readErr).Msg("stream interrupted; reconnecting")

		next, redialErr := c.redial(ctx, policy)
		if redialErr != nil {
			var fatal *FatalError
			if errors.As(redialErr, &fatal) {
				c.setErr(redialErr)
				c.logger.Error().Err(redialErr).Msg("fatal stream failure; giving up")
			}
			return
		}
		ws = next
	}
}

// redial blocks until a new connection is live, cancellation is
// requested, or a fatal handshake rejection occurs. Attempt count is
// unbounded; each wait is capped by the backoff ceiling.
func (c *Conn) redial(ctx context.Context, policy *backoff.ExponentialBackOff) (*websocket.Conn, error) {
	attempt := 0
	for {
		delay := policy.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.done:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}

		attempt++
		ws, err := c.dial(ctx)
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("stream reconnected")
			return ws, nil
		}

		var fatal *FatalError
		if errors.As(err, &fatal) {
			return nil, err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("waited", delay).Msg("reconnect attempt failed")
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}

	ws, resp, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &FatalError{Status: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	if err := c.subscribe(ws); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return ws, nil
}

// subscribeRequest follows the upstream subscription frame shape.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (c *Conn) subscribe(ws *websocket.Conn) error {
	if len(c.opts.Symbols) == 0 {
		// URL already names an all-symbols stream.
		return nil
	}
	params := make([]string, 0, len(c.opts.Symbols))
	for _, symbol := range c.opts.Symbols {
		params = append(params, strings.ToLower(symbol)+"@markPrice")
	}
	return ws.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: params, ID: 1})
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		if c.opts.ReadTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}

		_, payload, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		ticks, malformed := parseFrame(payload)
		for _, bad := range malformed {
			metrics.MalformedTicks.Inc()
			c.logger.Warn().Str("symbol", bad.Symbol).Str("raw", bad.Raw).Err(bad.Err).Msg("dropping malformed tick")
		}

		for _, tick := range ticks {
			if c.allowlist != nil {
				if _, ok := c.allowlist[tick.Symbol]; !ok {
					continue
				}
			}
			select {
			case c.ticks <- tick:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return ErrClosed
			}
		}
	}
}

const defaultJitter = 0.2

// newBackoffPolicy builds the reconnect delay policy: exponential
// growth from base to cap with jitter, unbounded in elapsed time.
func newBackoffPolicy(base, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2.0
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
