package netutil

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/raft"
)

func TestListenAddressInUse(t *testing.T) {
	first, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer first.Close()

	port, err := Port(first)
	if err != nil || port == 0 {
		t.Fatalf("Port() = %d, %v", port, err)
	}

	_, err = Listen(first.Addr().String())
	var inUse *AddressInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("Listen() on busy port error = %v, want AddressInUseError", err)
	}
	if !IsAddressInUseError(err) {
		t.Errorf("IsAddressInUseError() = false for %v", err)
	}
}

func TestIsConnectionRefused(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	_, err = net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		t.Skip("port was reused before dial")
	}
	if !IsConnectionRefusedError(err) {
		t.Errorf("IsConnectionRefusedError(%v) = false, want true", err)
	}
}

func TestRaftStreamLayerRoundTrip(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	layer := NewRaftStreamLayer(l, nil)
	defer layer.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := layer.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := layer.Dial(raft.ServerAddress(layer.Addr().String()), time.Second)
	if err != nil {
		t.Fatalf("Dial() unexpected error: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("Accept() did not return")
	}
}

func TestAdvertiseIP(t *testing.T) {
	if got := AdvertiseIP("10.1.2.3"); got != "10.1.2.3" {
		t.Errorf("AdvertiseIP(10.1.2.3) = %s", got)
	}
	if got := AdvertiseIP("0.0.0.0"); net.ParseIP(got) == nil {
		t.Errorf("AdvertiseIP(0.0.0.0) = %q, want an IP", got)
	}
}
