// Package daemon implements the message-bus daemon (C5) and its lifecycle
// (C6): the singleton process every agent/IDE/GUI peer connects to. It
// accepts Unix-socket connections and broadcasts every inbound NDJSON
// frame to every connected peer, including the one that sent it (spec
// §9 "self-echo tolerance") — a deliberate departure from the teacher's
// broker, which filters the sending connection out of its fan-out.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/socratic-shell/symposium-sub000/internal/envelope"
	"github.com/socratic-shell/symposium-sub000/internal/transport"
)

// Config controls one daemon run.
type Config struct {
	SocketPath  string        // resolved path, e.g. /tmp/symposium-daemon.sock
	IdleTimeout time.Duration // default 30s in production (spec §5)
	HistorySize int           // frames kept for `debug dump-messages`, default 50
}

const (
	idleCheckInterval  = 5 * time.Second
	shutdownDrainPause = 100 * time.Millisecond
	broadcastCapacity  = 1000
)

// Daemon is the running message bus.
type Daemon struct {
	cfg      Config
	listener net.Listener
	bus      *broadcaster
	hist     *history
	logger   *log.Logger

	peersMu sync.Mutex
	peers   map[uint64]struct{}
	nextID  uint64

	activityMu   sync.Mutex
	lastActivity time.Time
}

// New constructs a Daemon bound to a listener the caller has already
// claimed (see lifecycle.go's ClaimSocket) — Run does not bind itself,
// so tests can exercise the bus without going through the CLI's
// singleton-claim dance.
func New(cfg Config, listener net.Listener, logger *log.Logger) *Daemon {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{
		cfg:          cfg,
		listener:     listener,
		bus:          newBroadcaster(broadcastCapacity),
		hist:         newHistory(cfg.HistorySize),
		logger:       logger,
		peers:        make(map[uint64]struct{}),
		lastActivity: time.Now(),
	}
}

// Run drives the daemon's main loop (spec §4.5) until ctx is cancelled,
// a shutdown signal arrives, or the idle timeout elapses with no peers
// connected. It returns nil on any clean shutdown path.
func (d *Daemon) Run(ctx context.Context) error {
	defer Cleanup(d.cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	acceptCh := make(chan net.Conn)
	acceptErrCh := make(chan error, 1)
	go d.acceptLoop(acceptCh, acceptErrCh)

	// Check at least as often as the idle timeout itself, so a timeout
	// shorter than idleCheckInterval takes effect within about twice its
	// length instead of waiting for the first 5s tick.
	checkInterval := idleCheckInterval
	if d.cfg.IdleTimeout < checkInterval {
		checkInterval = d.cfg.IdleTimeout
	}
	idleTicker := time.NewTicker(checkInterval)
	defer idleTicker.Stop()

	for {
		select {
		case conn := <-acceptCh:
			d.handleNewPeer(conn)

		case err := <-acceptErrCh:
			return fmt.Errorf("daemon: accept loop stopped: %w", err)

		case <-idleTicker.C:
			if d.onIdleTick() {
				d.logger.Printf("idle timeout elapsed with no peers connected, shutting down")
				return nil
			}

		case sig := <-sigCh:
			d.logger.Printf("received signal %s, broadcasting reload_window and shutting down", sig)
			d.broadcastReloadWindow()
			time.Sleep(shutdownDrainPause)
			return nil

		case <-ctx.Done():
			d.logger.Printf("context cancelled, broadcasting reload_window and shutting down")
			d.broadcastReloadWindow()
			time.Sleep(shutdownDrainPause)
			return nil
		}
	}
}

func (d *Daemon) acceptLoop(acceptCh chan<- net.Conn, errCh chan<- error) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- conn
	}
}

// onIdleTick applies spec §4.5 step 2: reap is implicit (peer cleanup
// goroutines remove themselves on completion); if peers is empty and the
// idle timeout has elapsed since last_activity, report shutdown; else,
// if any peer is connected, bump last_activity so the idle clock doesn't
// start counting until the bus actually goes quiet.
func (d *Daemon) onIdleTick() (shouldShutdown bool) {
	count := d.peerCount()

	d.activityMu.Lock()
	defer d.activityMu.Unlock()

	if count > 0 {
		d.lastActivity = time.Now()
		return false
	}
	return time.Since(d.lastActivity) >= d.cfg.IdleTimeout
}

func (d *Daemon) bumpActivity() {
	d.activityMu.Lock()
	d.lastActivity = time.Now()
	d.activityMu.Unlock()
}

func (d *Daemon) peerCount() int {
	d.peersMu.Lock()
	defer d.peersMu.Unlock()
	return len(d.peers)
}

func (d *Daemon) registerPeer(id uint64) {
	d.peersMu.Lock()
	d.peers[id] = struct{}{}
	d.peersMu.Unlock()
	d.bumpActivity()
}

func (d *Daemon) unregisterPeer(id uint64) {
	d.peersMu.Lock()
	delete(d.peers, id)
	d.peersMu.Unlock()
}

// broadcastReloadWindow emits the daemon->broadcast notification sent
// once during graceful shutdown (spec §4.6). The sender is synthetic
// since the daemon itself is not a peer with a working directory.
func (d *Daemon) broadcastReloadWindow() {
	e, err := envelope.New(envelope.TypeReloadWindow, envelope.Sender{WorkingDirectory: os.TempDir()}, nil)
	if err != nil {
		d.logger.Printf("failed to build reload_window envelope: %v", err)
		return
	}
	line, err := e.Encode()
	if err != nil {
		d.logger.Printf("failed to encode reload_window envelope: %v", err)
		return
	}
	d.bus.publish(line)
}

// handleNewPeer spawns the read/write pump pair for one connection and a
// supervisor goroutine that cleans up once both pumps have returned.
// Either pump failing terminates the other: closeDone closes the
// connection (unblocking a pending read) and the done channel
// (unblocking the write pump's select) exactly once. This resolves
// spec §9 open question #1 with a definite rule.
func (d *Daemon) handleNewPeer(conn net.Conn) {
	d.peersMu.Lock()
	d.nextID++
	id := d.nextID
	d.peersMu.Unlock()

	sub := d.bus.subscribe()
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			conn.Close()
			close(done)
		})
	}

	reader := transport.NewLineReader(conn, 0)
	writer := transport.NewLineWriter(conn)

	d.registerPeer(id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.readPump(id, reader, writer, closeDone)
	}()
	go func() {
		defer wg.Done()
		writePump(writer, sub, done, closeDone)
	}()

	go func() {
		wg.Wait()
		d.bus.unsubscribe(sub.id)
		d.unregisterPeer(id)
	}()
}

// debugDumpMessagesCommand is the literal sentinel line a `debug
// dump-messages` client sends instead of a normal envelope frame
// (spec §6.6). It is never broadcast to other peers.
const debugDumpMessagesCommand = "#debug_dump_messages"

func (d *Daemon) readPump(peerID uint64, reader *transport.LineReader, writer *transport.LineWriter, closeDone func()) {
	defer closeDone()
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		if string(line) == debugDumpMessagesCommand {
			d.replyDumpMessages(writer)
			return
		}
		// The scanner's buffer is reused on the next Scan call; copy
		// before handing the bytes to the broadcaster/history, which
		// outlive this iteration.
		frame := make([]byte, len(line))
		copy(frame, line)

		d.bus.publish(frame)
		d.hist.record(recordedFrame{
			ReceivedAtMillis: time.Now().UnixMilli(),
			PeerID:           peerID,
			Line:             string(frame),
		})
	}
}

// replyDumpMessages answers a debug dump-messages request with a
// single JSON array and ends the connection (spec §6.6): this peer is
// a one-shot operator tool, not a long-lived bus participant.
func (d *Daemon) replyDumpMessages(writer *transport.LineWriter) {
	frames := d.hist.recent(d.cfg.HistorySize)
	body, err := json.Marshal(frames)
	if err != nil {
		d.logger.Printf("failed to marshal dump-messages reply: %v", err)
		return
	}
	if err := writer.WriteLine(body); err != nil {
		d.logger.Printf("failed to write dump-messages reply: %v", err)
	}
}

func writePump(writer *transport.LineWriter, sub *subscription, done <-chan struct{}, closeDone func()) {
	defer closeDone()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-sub.frames:
			if !ok {
				return
			}
			if err := writer.WriteLine(frame); err != nil {
				return
			}
		}
	}
}

// DumpMessages returns the N most recently observed frames, for the
// `debug dump-messages` interface (spec §6.6).
func (d *Daemon) DumpMessages(n int) []recordedFrame {
	return d.hist.recent(n)
}
