package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesSessionHeader(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, "daemon", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	logger.Info("hello %s", "world")

	data, err := os.ReadFile(logger.SessionPath())
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	if !strings.Contains(string(data), "daemon session started") {
		t.Fatalf("missing session header: %s", data)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Fatalf("missing info line: %s", data)
	}
}

func TestSessionPathIncludesRole(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, "client", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	if !strings.HasPrefix(filepath.Base(logger.SessionPath()), "client-") {
		t.Fatalf("expected session file to be named client-*, got %s", logger.SessionPath())
	}
}

func TestStdLoggerWritesIntoSessionFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, "daemon", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	std := logger.StdLogger("[daemon] ")
	std.Println("via stdlib logger")

	data, err := os.ReadFile(logger.SessionPath())
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	if !strings.Contains(string(data), "via stdlib logger") {
		t.Fatalf("expected stdlib logger output in session file: %s", data)
	}
}

func TestUserMessageIgnoresQuietMode(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, "daemon", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Close()

	logger.UserMessage("always visible: %s", "ready")

	data, err := os.ReadFile(logger.SessionPath())
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	if !strings.Contains(string(data), "USER: always visible: ready") {
		t.Fatalf("missing user message line: %s", data)
	}
}
