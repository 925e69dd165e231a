// Package identity computes the per-process sender identity that the
// client actor stamps on every outbound frame: the absolute working
// directory, the taskspace UUID (if the process lives under one), and
// optionally the shell PID discovered by walking the process tree.
//
// Per spec §9 this is a pure function of the startup CWD: traversal
// happens once, at construction, not on every send.
package identity

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/socratic-shell/symposium-sub000/internal/envelope"
)

var taskPrefix = regexp.MustCompile(`^task-([0-9a-fA-F-]{36})$`)

// Resolve walks up from cwd looking for a `task-<UUID>` directory
// underneath a `*.symposium` marker, per the layout
// `project.symposium/task-$UUID/$checkout/...`. It returns the most
// recent task-UUID encountered during the walk (the one closest to the
// `.symposium` marker, i.e. furthest from cwd, when several are nested),
// or nil if no `.symposium` ancestor exists or no task- directory was
// seen below it.
func Resolve(cwd string) *string {
	dir := filepath.Clean(cwd)
	var lastUUID string

	for {
		name := filepath.Base(dir)

		if m := taskPrefix.FindStringSubmatch(name); m != nil {
			lastUUID = m[1]
		}

		if strings.HasSuffix(name, ".symposium") {
			if lastUUID == "" {
				return nil
			}
			uuid := lastUUID
			return &uuid
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding a .symposium marker.
			return nil
		}
		dir = parent
	}
}

// Sender builds the envelope.Sender for a process rooted at cwd, with an
// optional shell PID (nil if none was discovered).
func Sender(cwd string, shellPID *uint32) envelope.Sender {
	abs := cwd
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(abs); err == nil {
			abs = a
		}
	}
	return envelope.Sender{
		WorkingDirectory: abs,
		TaskspaceUUID:    Resolve(abs),
		ShellPID:         shellPID,
	}
}
