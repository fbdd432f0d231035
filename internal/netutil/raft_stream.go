package netutil

import (
	"net"
	"time"

	"github.com/hashicorp/raft"
)

// RaftStreamLayer implements raft.StreamLayer over a listener the daemon has
// already bound, so the port is reserved before raft starts and a bind
// failure surfaces as an AddressInUseError.
type RaftStreamLayer struct {
	listener  net.Listener
	advertise net.Addr
}

// NewRaftStreamLayer wraps listener. advertise is the address peers should
// dial; nil uses the listener address.
func NewRaftStreamLayer(listener net.Listener, advertise net.Addr) *RaftStreamLayer {
	if advertise == nil {
		advertise = listener.Addr()
	}
	return &RaftStreamLayer{listener: listener, advertise: advertise}
}

// Dial implements raft.StreamLayer.
func (r *RaftStreamLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return d.Dial("tcp", string(address))
}

// Accept implements net.Listener.
func (r *RaftStreamLayer) Accept() (net.Conn, error) {
	return r.listener.Accept()
}

// Close implements net.Listener.
func (r *RaftStreamLayer) Close() error {
	return r.listener.Close()
}

// Addr returns the advertised address.
func (r *RaftStreamLayer) Addr() net.Addr {
	return r.advertise
}
