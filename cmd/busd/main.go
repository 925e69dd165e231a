// Command busd embeds the message-bus core (daemon, client, dispatch)
// behind the CLI surface of spec §6.2. Flag resolution follows the same
// tiered-fallback shape the teacher uses for agent identity resolution
// (public/agent/base.go's GetAgentID/GetAgentType: CLI argument, then a
// secondary source, then a built-in default) generalized here to CLI
// flag > config file > built-in default (SPEC_FULL.md §10).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/socratic-shell/symposium-sub000/internal/client"
	"github.com/socratic-shell/symposium-sub000/internal/config"
	"github.com/socratic-shell/symposium-sub000/internal/daemon"
	"github.com/socratic-shell/symposium-sub000/internal/dispatch"
	"github.com/socratic-shell/symposium-sub000/internal/envelope"
	"github.com/socratic-shell/symposium-sub000/internal/logging"
	"github.com/socratic-shell/symposium-sub000/internal/refstore"
	"github.com/socratic-shell/symposium-sub000/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "daemon":
		err = runDaemon(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	case "debug":
		if len(os.Args) < 3 || os.Args[2] != "dump-messages" {
			usage()
			os.Exit(2)
		}
		err = runDumpMessages(os.Args[3:])
	case "probe":
		err = runProbe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  busd daemon        [--prefix <s>] [--idle-timeout <secs=30>] [--config <path>] [--debug]
  busd client         [--prefix <s>] [--auto-start=true|false] [--config <path>] [--debug]
  busd debug dump-messages [--prefix <s>] [--count N=50] [--json]
  busd probe          [--prefix <s>]`)
}

// loadConfig resolves the config file the same way for every
// subcommand: an explicit --config path, or defaults only if none is
// given. A missing file also means defaults (config.Load treats it
// so); a file that exists but cannot be read or parsed ends the
// process with exit code 1.
func loadConfig(configPath string) config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "busd: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// explicitlySet reports whether name was passed on the command line, so
// callers can tell "flag explicitly given" apart from "flag left at its
// zero-value default" when deciding CLI > file > default priority.
func explicitlySet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	prefix := fs.String("prefix", "", "socket prefix (default from config/built-in)")
	idleTimeout := fs.Int("idle-timeout", 0, "idle shutdown timeout in seconds")
	configPath := fs.String("config", "", "path to a YAML config file")
	debug := fs.Bool("debug", false, "verbose console logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig(*configPath)
	if explicitlySet(fs, "prefix") {
		cfg.SocketPrefix = *prefix
	}
	if explicitlySet(fs, "idle-timeout") {
		cfg.IdleTimeoutSeconds = *idleTimeout
	}
	if explicitlySet(fs, "debug") {
		cfg.Debug = *debug
	}

	logDir, err := stateDir()
	if err != nil {
		return fmt.Errorf("resolve log directory: %w", err)
	}
	sessionLog, err := logging.New(logDir, "daemon", !cfg.Debug)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer sessionLog.Close()
	stdLogger := sessionLog.StdLogger("[daemon] ")

	socketPath := daemon.SocketPath(cfg.SocketPrefix)
	listener, err := daemon.ClaimSocket(socketPath)
	if err != nil {
		return fmt.Errorf("claim socket %s: %w", socketPath, err)
	}

	d := daemon.New(daemon.Config{
		SocketPath:  socketPath,
		IdleTimeout: cfg.IdleTimeout(),
		HistorySize: cfg.HistorySize,
	}, listener, stdLogger)

	if err := daemon.AnnounceReady(os.Stdout); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	// stdout carries only the readiness marker (see AnnounceReady), so
	// the operator-facing line goes to stderr and the session file.
	sessionLog.Debug("daemon listening on %s (idle timeout %s)", socketPath, cfg.IdleTimeout())
	fmt.Fprintf(os.Stderr, "daemon listening on %s (idle timeout %s)\n", socketPath, cfg.IdleTimeout())

	// Run's own internal select loop already honors SIGINT/SIGTERM
	// (spec §4.5 step 3), so the CLI entry point hands it a bare
	// background context rather than duplicating signal handling here.
	return d.Run(context.Background())
}

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	prefix := fs.String("prefix", "", "socket prefix (default from config/built-in)")
	autoStart := fs.Bool("auto-start", true, "spawn the daemon if it is not reachable")
	configPath := fs.String("config", "", "path to a YAML config file")
	debug := fs.Bool("debug", false, "verbose console logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig(*configPath)
	if explicitlySet(fs, "prefix") {
		cfg.SocketPrefix = *prefix
	}
	if explicitlySet(fs, "auto-start") {
		cfg.AutoStart = *autoStart
	}
	if explicitlySet(fs, "debug") {
		cfg.Debug = *debug
	}

	logDir, err := stateDir()
	if err != nil {
		return fmt.Errorf("resolve log directory: %w", err)
	}
	sessionLog, err := logging.New(logDir, "client", !cfg.Debug)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer sessionLog.Close()

	binary, err := os.Executable()
	if err != nil {
		binary = os.Args[0]
	}

	c, err := client.New(client.Config{
		SocketPath:       daemon.SocketPath(cfg.SocketPrefix),
		AutoStart:        cfg.AutoStart,
		BinaryPath:       binary,
		DaemonArgs:       []string{"daemon", "--prefix", cfg.SocketPrefix},
		OutboundCapacity: cfg.OutboundBufferSize,
		Logger:           sessionLog.StdLogger("[client] "),
	})
	if err != nil {
		return fmt.Errorf("construct client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ref := refstore.New(ctx)

	// Dispatch and the notification relay each need every inbound
	// frame, so the client's inbound channel is fanned out to one
	// channel apiece instead of being shared by two competing readers.
	dispatchIn := make(chan *envelope.Envelope, 256)
	relayIn := make(chan *envelope.Envelope, 256)
	go func() {
		defer close(dispatchIn)
		defer close(relayIn)
		for env := range c.Inbound() {
			dispatchIn <- env
			relayIn <- env
		}
	}()
	disp := dispatch.New(c, dispatchIn, ref)

	runErr := make(chan error, 2)
	go func() { runErr <- c.Run(ctx) }()
	go func() { runErr <- disp.Run(ctx) }()

	// Relay peer notifications (anything dispatch itself doesn't
	// consume as a request/reply) to stdout as NDJSON, so this
	// subcommand is useful standalone as a manual bus tap; agents
	// embedding this package call dispatch.Notify/Call directly instead
	// of going through this CLI.
	go relayNotifications(relayIn, sessionLog)

	sessionLog.UserMessage("client connected (or will auto-start) against %s", c.Sender().WorkingDirectory)

	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	case <-ctx.Done():
		<-runErr
		return nil
	}
}

// relayNotifications prints inbound frames dispatch doesn't already
// consume (marco/store_reference/response), for operator visibility
// when running `client` directly from a terminal.
func relayNotifications(inbound <-chan *envelope.Envelope, sessionLog *logging.SessionLogger) {
	for env := range inbound {
		switch env.Type {
		case envelope.TypeMarco, envelope.TypeStoreReference, envelope.TypeResponse:
			continue
		default:
			line, err := env.Encode()
			if err != nil {
				continue
			}
			sessionLog.Debug("inbound: %s", line)
			fmt.Println(string(line))
		}
	}
}

func runDumpMessages(args []string) error {
	fs := flag.NewFlagSet("dump-messages", flag.ExitOnError)
	prefix := fs.String("prefix", "", "socket prefix (default from config/built-in)")
	count := fs.Int("count", 50, "number of recent frames to display")
	asJSON := fs.Bool("json", false, "print the raw JSON array instead of a table")
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig(*configPath)
	if explicitlySet(fs, "prefix") {
		cfg.SocketPrefix = *prefix
	}

	socketPath := daemon.SocketPath(cfg.SocketPrefix)
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", socketPath, err)
	}
	defer conn.Close()

	writer := transport.NewLineWriter(conn)
	if err := writer.WriteLine([]byte("#debug_dump_messages")); err != nil {
		return fmt.Errorf("send dump-messages command: %w", err)
	}

	reader := transport.NewLineReader(conn, 0)
	line, err := reader.ReadLine()
	if err != nil {
		return fmt.Errorf("read dump-messages reply: %w", err)
	}

	var frames []struct {
		ReceivedAtMillis int64  `json:"receivedAtMillis"`
		PeerID           uint64 `json:"peerId"`
		Line             string `json:"line"`
	}
	if err := json.Unmarshal(line, &frames); err != nil {
		return fmt.Errorf("decode dump-messages reply: %w", err)
	}

	if *count > 0 && *count < len(frames) {
		frames = frames[len(frames)-*count:]
	}

	if *asJSON {
		out, err := json.Marshal(frames)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	for _, f := range frames {
		ts := time.UnixMilli(f.ReceivedAtMillis).Format(time.RFC3339)
		fmt.Printf("%s  peer=%d  %s\n", ts, f.PeerID, f.Line)
	}
	return nil
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	prefix := fs.String("prefix", "", "socket prefix (default from config/built-in)")
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig(*configPath)
	if explicitlySet(fs, "prefix") {
		cfg.SocketPrefix = *prefix
	}

	c, err := client.New(client.Config{
		SocketPath: daemon.SocketPath(cfg.SocketPrefix),
		AutoStart:  false,
	})
	if err != nil {
		return fmt.Errorf("construct client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	marco, err := envelope.New(envelope.TypeMarco, c.Sender(), nil)
	if err != nil {
		return fmt.Errorf("build marco: %w", err)
	}
	c.Send(marco)

	peers := make(map[string]struct{})
	reachable := false
	for {
		select {
		case env, ok := <-c.Inbound():
			if !ok {
				return reportProbe(reachable, peers)
			}
			reachable = true
			if env.Type == envelope.TypePolo {
				peers[env.Sender.WorkingDirectory] = struct{}{}
			}
		case <-ctx.Done():
			<-runErr
			return reportProbe(reachable, peers)
		}
	}
}

// reportProbe prints the result and returns a non-nil error when no
// frame at all came back from the daemon (not even the echo of the
// probe's own marco), so main's usual "print to stderr, exit 1" path
// handles the failure case without a buried os.Exit here.
func reportProbe(reachable bool, peers map[string]struct{}) error {
	if !reachable {
		return fmt.Errorf("no daemon reachable")
	}
	names := make([]string, 0, len(peers))
	for p := range peers {
		names = append(names, p)
	}
	fmt.Printf("daemon reachable, %d peer(s): %s\n", len(names), strings.Join(names, ", "))
	return nil
}

// stateDir resolves a user-writable directory for session logs, per
// spec §6.3 ("HOME is consulted for user-local state directories").
func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "symposium-bus"), nil
}
