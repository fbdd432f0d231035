// Package netutil holds listener helpers shared by the agent server, the API
// and the raft transport: binding with a typed address-in-use error, error
// classification without string matching, and a raft stream layer over a
// pre-bound listener.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// AddressInUseError is returned by Listen when the port is taken.
type AddressInUseError struct {
	Address string
	Err     error
}

func (e *AddressInUseError) Error() string {
	return fmt.Sprintf("address %s is already in use", e.Address)
}

func (e *AddressInUseError) Unwrap() error {
	return e.Err
}

// Listen binds a TCP listener on addr ("host:port"). Port 0 picks a free
// port; use Port to read it back.
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		if IsAddressInUseError(err) {
			return nil, &AddressInUseError{Address: addr, Err: err}
		}
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return l, nil
}

// Port returns the TCP port a listener is bound to.
func Port(l net.Listener) (int, error) {
	tcpAddr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("listener is not a TCP listener: %T", l.Addr())
	}
	return tcpAddr.Port, nil
}

// IsAddressInUseError reports whether err is EADDRINUSE.
func IsAddressInUseError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return errors.Is(err, syscall.EADDRINUSE)
}

// IsConnectionRefusedError reports whether err is ECONNREFUSED.
func IsConnectionRefusedError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNREFUSED)
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// AdvertiseIP returns an address other nodes can reach for a listener bound
// to bind. Wildcard binds are resolved to the interface the OS would use for
// outbound traffic, falling back to loopback when there is no route.
func AdvertiseIP(bind string) string {
	if bind != "" && bind != "0.0.0.0" && bind != "::" {
		return bind
	}
	// UDP dial sends nothing; it only asks the kernel for a source address
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
