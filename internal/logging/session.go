// Package logging provides session-based logging for the daemon and
// client: clean CLI output while preserving detailed logs in a
// per-run session file, adapted from the teacher's Alfa session logger
// (atomic/logging/session.go) by dropping the Alfa/PEV-specific
// transcript methods (LogUserInput/LogAIResponse/LogPEVEvent) that have
// no analog in a message-bus daemon.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLogger writes to both a session file and, outside quiet mode,
// the console. Debug messages go to the file only.
type SessionLogger struct {
	sessionFile *os.File
	mu          sync.Mutex
	sessionPath string
	quietMode   bool
}

// New creates a session logger writing to logDir/<role>-<timestamp>.log.
// role distinguishes daemon and client runs sharing a log directory.
func New(logDir, role string, quietMode bool) (*SessionLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("logging: create log directory: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	sessionPath := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", role, sessionID))

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("logging: create session log file: %w", err)
	}

	logger := &SessionLogger{
		sessionFile: file,
		sessionPath: sessionPath,
		quietMode:   quietMode,
	}

	logger.writeToFile("=== %s session started ===\n", role)
	logger.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
	logger.writeToFile("Log file: %s\n\n", sessionPath)

	return logger, nil
}

// StdLogger returns a stdlib *log.Logger that writes into this
// session's file, for handing to packages (internal/daemon,
// internal/client) that accept a plain *log.Logger rather than this
// type.
func (s *SessionLogger) StdLogger(prefix string) *log.Logger {
	return log.New(s.sessionFile, prefix, log.LstdFlags)
}

// Close closes the session log file.
func (s *SessionLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionFile != nil {
		s.writeToFile("\n=== session ended ===\n")
		s.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
		return s.sessionFile.Close()
	}
	return nil
}

// SessionPath returns the path to the current session log file.
func (s *SessionLogger) SessionPath() string {
	return s.sessionPath
}

// Debug writes to the session file only, never the console.
func (s *SessionLogger) Debug(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeToFile("[%s] DEBUG: %s\n", timestamp(), fmt.Sprintf(format, args...))
}

// Info writes to the session file, and to the console unless quiet
// mode is on.
func (s *SessionLogger) Info(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] INFO: %s\n", timestamp(), message)
	if !s.quietMode {
		fmt.Println(message)
	}
}

// UserMessage writes to both the session file and the console
// regardless of quiet mode: for messages the operator should always see.
func (s *SessionLogger) UserMessage(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] USER: %s\n", timestamp(), message)
	fmt.Println(message)
}

// Error writes to both the session file and stderr.
func (s *SessionLogger) Error(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] ERROR: %s\n", timestamp(), message)
	fmt.Fprintf(os.Stderr, "error: %s\n", message)
}

func (s *SessionLogger) writeToFile(format string, args ...interface{}) {
	if s.sessionFile == nil {
		return
	}
	fmt.Fprintf(s.sessionFile, format, args...)
	s.sessionFile.Sync()
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}
