//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

func bestEffortResetTTY() {
	// Nothing to fix when stdin is not a TTY.
	fi, err := os.Stdin.Stat()
	if err != nil {
		return
	}
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		return
	}

	// Reset the controlling TTY via /dev/tty so a redirected stdin does
	// not matter. Intentionally best-effort.
	_ = exec.Command("sh", "-lc", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
