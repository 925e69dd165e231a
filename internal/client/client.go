// Package client implements the client actor (C3): the library an
// agent/IDE/GUI process links in to talk to the daemon. It owns one
// outbound Unix-socket connection, reconnects with backoff when it
// drops, and exposes the connection as two typed channels so the
// dispatch layer never touches a socket directly.
//
// The teacher (cellorg's internal/client) never reconnects — a GOX
// agent that loses its broker exits. This package keeps the teacher's
// actor-over-channels shape (a goroutine owning the connection,
// callers interacting only through channels/methods) but generalizes
// it with reconnect/backoff, grounded on the Rust ancestor's
// client-reconnect episode framing (original_source's daemon.rs).
package client

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socratic-shell/symposium-sub000/internal/daemon"
	"github.com/socratic-shell/symposium-sub000/internal/envelope"
	"github.com/socratic-shell/symposium-sub000/internal/identity"
	"github.com/socratic-shell/symposium-sub000/internal/transport"
)

// backoffDelays is the fixed reconnect schedule from spec §4.3.
var backoffDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

const (
	dialTimeout          = 2 * time.Second
	reconnectResetWindow = 5 * time.Second
	staleFrameGrace      = 2 * time.Second
	goodbyeDrainPause    = 150 * time.Millisecond
)

// Config controls one Client.
type Config struct {
	SocketPath string // daemon socket to dial

	// AutoStart, when true, spawns the daemon (via BinaryPath/DaemonArgs)
	// the first time a dial fails outright (no listener at all), instead
	// of surfacing that as a connect error.
	AutoStart  bool
	BinaryPath string   // defaults to os.Executable() if empty
	DaemonArgs []string // args to re-exec BinaryPath with, e.g. {"daemon"}

	WorkingDirectory string // defaults to os.Getwd() if empty
	ShellPID         *uint32

	OutboundCapacity int // default 256
	InboundCapacity  int // default 256

	Logger *log.Logger
}

// Client is one process's connection to the bus.
type Client struct {
	cfg    Config
	sender envelope.Sender
	logger *log.Logger

	inbound chan *envelope.Envelope
	outq    *outboundQueue

	spawnOnce sync.Once
	spawnErr  error
}

// New constructs a Client. It does not connect; call Run to start the
// connection/reconnect loop.
func New(cfg Config) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("client: SocketPath is required")
	}
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = 256
	}
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = 256
	}
	if cfg.WorkingDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkingDirectory = wd
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[client] ", log.LstdFlags)
	}

	return &Client{
		cfg:     cfg,
		sender:  identity.Sender(cfg.WorkingDirectory, cfg.ShellPID),
		logger:  cfg.Logger,
		inbound: make(chan *envelope.Envelope, cfg.InboundCapacity),
		outq:    newOutboundQueue(cfg.OutboundCapacity),
	}, nil
}

// Sender returns the identity stamped on every frame this client sends.
func (c *Client) Sender() envelope.Sender { return c.sender }

// Inbound is the stream of frames the daemon has broadcast, including
// this client's own (spec §9 self-echo tolerance). Closed when Run
// returns.
func (c *Client) Inbound() <-chan *envelope.Envelope { return c.inbound }

// Send enqueues e for delivery. It never blocks: under sustained
// disconnection the outbound queue sheds the oldest non-critical
// frames first (spec §4.3).
func (c *Client) Send(e *envelope.Envelope) {
	c.outq.push(e)
}

// Run drives the connect/reconnect loop until ctx is cancelled or the
// backoff budget for one episode is exhausted. A clean ctx
// cancellation sends a best-effort goodbye frame first (supplemented
// feature, grounded on the Rust ancestor's disconnect handling).
//
// Per spec §4.3, exhausting the reconnect budget is a terminal
// failure: Run returns a non-nil error that the dispatch layer (or
// whatever embeds this client) should treat as fatal.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.inbound)

	var attempt atomic.Int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.connect(ctx)
		if err != nil {
			n := attempt.Load()
			if n >= int64(len(backoffDelays)) {
				return fmt.Errorf("client: reconnect budget exhausted: %w", err)
			}
			delay := backoffDelays[n]
			attempt.Add(1)
			c.logger.Printf("connect failed (attempt %d/%d): %v; retrying in %s", n+1, len(backoffDelays), err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		c.outq.discardStale(staleFrameGrace)
		c.runConnection(ctx, conn, &attempt)
	}
}

// connect dials the daemon socket, auto-starting it on the first
// failure if configured to do so.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, dialTimeout)
	if err == nil {
		return conn, nil
	}
	if !c.cfg.AutoStart {
		return nil, fmt.Errorf("client: dial %s: %w", c.cfg.SocketPath, err)
	}

	c.spawnOnce.Do(func() {
		binary := c.cfg.BinaryPath
		if binary == "" {
			if exe, execErr := os.Executable(); execErr == nil {
				binary = exe
			}
		}
		c.logger.Printf("no daemon at %s, auto-starting %s", c.cfg.SocketPath, binary)
		c.spawnErr = daemon.SpawnDetached(ctx, binary, c.cfg.DaemonArgs)
	})
	if c.spawnErr != nil {
		return nil, fmt.Errorf("client: auto-start daemon: %w", c.spawnErr)
	}

	conn, err = net.DialTimeout("unix", c.cfg.SocketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s after auto-start: %w", c.cfg.SocketPath, err)
	}
	return conn, nil
}

// runConnection drives one connection's read/write pumps until either
// fails, the connection is deliberately closed on ctx cancellation, or
// the remote end disconnects. It arms the reconnect-episode reset
// timer (spec §9 open question #2): 5s of continuous successful reads
// zeroes the backoff attempt counter.
func (c *Client) runConnection(ctx context.Context, conn net.Conn, attempt *atomic.Int64) {
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			conn.Close()
			close(done)
		})
	}

	activity := make(chan struct{}, 1)
	resetDone := make(chan struct{})
	go resetMonitor(activity, resetDone, attempt)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readPump(conn, done, closeDone, activity)
	}()
	go func() {
		defer wg.Done()
		c.writePump(conn, done, closeDone)
	}()

	shutdownWatcherDone := make(chan struct{})
	go func() {
		defer close(shutdownWatcherDone)
		select {
		case <-ctx.Done():
			c.Send(mustGoodbye(c.sender))
			time.Sleep(goodbyeDrainPause)
			closeDone()
		case <-done:
		}
	}()

	wg.Wait()
	<-shutdownWatcherDone
	close(resetDone)
}

func mustGoodbye(sender envelope.Sender) *envelope.Envelope {
	e, err := envelope.New(envelope.TypeGoodbye, sender, nil)
	if err != nil {
		// envelope.New only fails on payload marshaling, and nil payload
		// never fails; this is unreachable in practice.
		return &envelope.Envelope{Type: envelope.TypeGoodbye, Sender: sender}
	}
	return e
}

// resetMonitor zeroes attempt once the connection has sustained
// successful reads for reconnectResetWindow: the timer starts on the
// first activity signal (the first successfully decoded inbound line)
// and is never restarted by later ones, so it measures how long the
// connection has stayed continuously up since reads began, not how
// long it has been quiet. It exits either when that timer fires once
// or when resetDone closes first (the connection ended before 5s of
// uptime accrued).
func resetMonitor(activity <-chan struct{}, resetDone <-chan struct{}, attempt *atomic.Int64) {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-activity:
			if timer == nil {
				timer = time.NewTimer(reconnectResetWindow)
				timerC = timer.C
			}
		case <-timerC:
			attempt.Store(0)
			return
		case <-resetDone:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (c *Client) readPump(conn net.Conn, done <-chan struct{}, closeDone func(), activity chan<- struct{}) {
	defer closeDone()
	reader := transport.NewLineReader(conn, 0)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		env, err := envelope.Decode(line)
		if err != nil {
			c.logger.Printf("client: dropping malformed frame: %v", err)
			continue
		}

		select {
		case activity <- struct{}{}:
		default:
		}

		select {
		case c.inbound <- env:
		case <-done:
			return
		}
	}
}

func (c *Client) writePump(conn net.Conn, done <-chan struct{}, closeDone func()) {
	defer closeDone()
	writer := transport.NewLineWriter(conn)
	for {
		frame, ok := c.outq.pop(done)
		if !ok {
			return
		}
		line, err := frame.envelope.Encode()
		if err != nil {
			c.logger.Printf("client: dropping unencodable frame: %v", err)
			continue
		}
		if err := writer.WriteLine(line); err != nil {
			return
		}
	}
}
