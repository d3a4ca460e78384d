// Package activation hands the server its listening socket, either one
// passed in by systemd socket activation or a freshly bound one.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is where systemd starts passing sockets (after stdin, stdout, stderr)
const firstFD = 3

// Listener returns the first socket-activated listener, or listens on addr
// when the process was not socket activated
func Listener(addr string) (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		for _, extra := range listeners[1:] {
			_ = extra.Close()
		}
		return listeners[0], nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Listeners returns the systemd-activated listeners, or nil when
// LISTEN_PID and LISTEN_FDS do not address this process
func Listeners() ([]net.Listener, error) {
	numFDs, err := activatedFDs()
	if err != nil || numFDs == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Children (compose, git) must not believe the sockets are theirs
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs returns how many sockets systemd passed to this process
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
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return 0, nil
	}
	return n, nil
}
