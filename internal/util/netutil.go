package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// ErrAddrInUse is wrapped by CreateListener when the address is taken.
var ErrAddrInUse = errors.New("address already in use")

// CreateListener listens on address. Only tcp, tcp4 and tcp6 are
// supported: every session runs over a stream socket.
func CreateListener(ctx context.Context, network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		if IsAddrInUse(err) {
			return nil, fmt.Errorf("failed to listen on %s %s: %w: %w", network, address, ErrAddrInUse, err)
		}
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return ln, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAddrInUse) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.EADDRINUSE {
		return true
	}
	// Go's net package wraps the errno in *net.OpError on some platforms.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// ListenerPort returns the TCP port ln is bound to, or 0 for non-TCP
// listeners.
func ListenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
