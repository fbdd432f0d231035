package validate

import (
	"fmt"
	"net"
	"strconv"
)

// NetworkAddress is a parsed host:port pair.
type NetworkAddress struct {
	Host string `validate:"required,ip"`
	Port int    `validate:"min=0,max=65535"`
}

// String returns host:port.
func (na NetworkAddress) String() string {
	return net.JoinHostPort(na.Host, strconv.Itoa(na.Port))
}

// ParseBindAddress parses and validates a "host:port" bind address. The host
// must be an IP literal; port 0 is accepted so tests can bind ephemeral
// ports.
func ParseBindAddress(addr string) (*NetworkAddress, error) {
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format '%s': %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port '%s': %w", portStr, err)
	}

	na := &NetworkAddress{Host: host, Port: port}
	if err := validate.Struct(na); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return na, nil
}

// ValidateAddressList checks every peer address in a join list.
func ValidateAddressList(addresses []string) error {
	if len(addresses) == 0 {
		return fmt.Errorf("address list cannot be empty")
	}
	for i, addr := range addresses {
		if _, err := ParseBindAddress(addr); err != nil {
			return fmt.Errorf("invalid address at index %d: %w", i, err)
		}
	}
	return nil
}

// ValidatePortRange rejects ports outside 1-65535. Cluster ports must be
// predictable so peers can find them, which rules out 0.
func ValidatePortRange(port int) error {
	return ValidateField(port, "required,min=1,max=65535")
}
