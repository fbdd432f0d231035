package config

import (
	"net"
	"testing"
)

func TestDefaultBindAddrIsValidIP(t *testing.T) {
	ip := net.ParseIP(DefaultBindAddr)
	if ip == nil || ip.To4() == nil {
		t.Errorf("DefaultBindAddr %q is not a valid IPv4 address", DefaultBindAddr)
	}
}

func TestDefaultPortsAreDistinct(t *testing.T) {
	ports := map[string]int{
		"agent": DefaultAgentPort,
		"api":   DefaultAPIPort,
		"grpc":  DefaultGRPCPort,
		"serf":  DefaultSerfPort,
	}

	seen := make(map[int]string)
	for name, port := range ports {
		if port < 1 || port > 65535 {
			t.Errorf("%s port %d out of range", name, port)
		}
		if other, ok := seen[port]; ok {
			t.Errorf("%s and %s share port %d", name, other, port)
		}
		seen[port] = name
	}
}

func TestDefaultLogLevel(t *testing.T) {
	if DefaultLogLevel != "INFO" {
		t.Errorf("DefaultLogLevel = %q, want %q", DefaultLogLevel, "INFO")
	}
}

func TestDefaultHeartbeatInterval(t *testing.T) {
	if DefaultHeartbeatInterval <= 0 {
		t.Errorf("DefaultHeartbeatInterval = %v, want positive", DefaultHeartbeatInterval)
	}
}
