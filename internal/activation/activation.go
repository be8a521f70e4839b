// Package activation picks up listeners passed in by systemd socket
// activation, so serve mode can run behind a .socket unit.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3 (0=stdin, 1=stdout,
// 2=stderr).
const firstFD = 3

// Listeners returns the systemd-activated listeners, or nil when no socket
// activation is in effect for this process.
func Listeners() ([]net.Listener, error) {
	count, err := activatedFDs()
	if err != nil || count == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		listener, err := listenerFromFD(firstFD + i)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, listener)
	}

	// Unset the environment variables so child processes don't inherit
	// them.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs reads the LISTEN_PID/LISTEN_FDS pair; zero means activation
// is absent or addressed at a different process.
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return 0, nil
	}
	return count, nil
}

func listenerFromFD(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", fd-firstFD))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	// The listener takes ownership; the duplicate descriptor is closed.
	defer func() {
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return listener, nil
}
