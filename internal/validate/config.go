package validate

import (
	"fmt"
	"regexp"
	"time"
)

var nodeNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// ValidateRequiredString fails when value is empty.
func ValidateRequiredString(value, fieldName string) error {
	if err := ValidateField(value, "required"); err != nil {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

// ValidatePositiveTimeout fails when d is zero or negative.
func ValidatePositiveTimeout(d time.Duration, name string) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

// ValidatePositiveInt fails when n is below 1.
func ValidatePositiveInt(n int, name string) error {
	if err := ValidateField(n, "min=1"); err != nil {
		return fmt.Errorf("%s must be at least 1, got %d", name, n)
	}
	return nil
}

// ValidatePercent fails when p is outside 0-100.
func ValidatePercent(p float64, name string) error {
	if err := ValidateField(p, "gte=0,lte=100"); err != nil {
		return fmt.Errorf("%s must be between 0 and 100, got %v", name, p)
	}
	return nil
}

// NodeNameFormat checks that a node name is usable as a raft server id and a
// serf member name: lowercase alphanumerics with inner '-' or '_', at most 63
// characters.
func NodeNameFormat(name string) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if len(name) > 63 {
		return fmt.Errorf("node name too long: %d characters (max 63)", len(name))
	}
	if !nodeNamePattern.MatchString(name) {
		return fmt.Errorf("invalid node name %q: use [a-z0-9_-] and start/end with an alphanumeric", name)
	}
	return nil
}
