package validate

import (
	"strings"
	"testing"
	"time"
)

func TestParseBindAddress(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		expectError  bool
		expectedIP   string
		expectedPort int
	}{
		{"valid IPv4 address", "192.168.1.1:8080", false, "192.168.1.1", 8080},
		{"valid any address", "0.0.0.0:7070", false, "0.0.0.0", 7070},
		{"ephemeral port", "127.0.0.1:0", false, "127.0.0.1", 0},
		{"valid IPv6", "[::1]:4200", false, "::1", 4200},
		{"empty address", "", true, "", 0},
		{"missing port", "192.168.1.1", true, "", 0},
		{"hostname rejected", "localhost:80", true, "", 0},
		{"port too high", "10.0.0.1:70000", true, "", 0},
		{"non-numeric port", "10.0.0.1:http", true, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBindAddress(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("ParseBindAddress(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBindAddress(%q) unexpected error: %v", tt.input, err)
			}
			if got.Host != tt.expectedIP || got.Port != tt.expectedPort {
				t.Errorf("ParseBindAddress(%q) = %s:%d, want %s:%d", tt.input, got.Host, got.Port, tt.expectedIP, tt.expectedPort)
			}
		})
	}
}

func TestValidateAddressList(t *testing.T) {
	if err := ValidateAddressList(nil); err == nil {
		t.Error("ValidateAddressList(nil) expected error")
	}
	if err := ValidateAddressList([]string{"10.0.0.1:4200", "10.0.0.2:4200"}); err != nil {
		t.Errorf("ValidateAddressList() unexpected error: %v", err)
	}
	err := ValidateAddressList([]string{"10.0.0.1:4200", "bad"})
	if err == nil || !strings.Contains(err.Error(), "index 1") {
		t.Errorf("ValidateAddressList() error = %v, want index 1 failure", err)
	}
}

func TestScalarValidators(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"port ok", ValidatePortRange(6969), false},
		{"port zero", ValidatePortRange(0), true},
		{"port high", ValidatePortRange(65536), true},
		{"required ok", ValidateRequiredString("x", "field"), false},
		{"required empty", ValidateRequiredString("", "field"), true},
		{"timeout ok", ValidatePositiveTimeout(time.Second, "t"), false},
		{"timeout zero", ValidatePositiveTimeout(0, "t"), true},
		{"int ok", ValidatePositiveInt(3, "n"), false},
		{"int zero", ValidatePositiveInt(0, "n"), true},
		{"percent ok", ValidatePercent(80, "cpu"), false},
		{"percent high", ValidatePercent(101, "cpu"), true},
		{"percent negative", ValidatePercent(-1, "cpu"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", tt.err, tt.wantErr)
			}
		})
	}
}

func TestNodeNameFormat(t *testing.T) {
	valid := []string{"node1", "nexa-a", "n_2", "a"}
	invalid := []string{"", "-node", "node-", "Node", "node.1", strings.Repeat("a", 64)}

	for _, name := range valid {
		if err := NodeNameFormat(name); err != nil {
			t.Errorf("NodeNameFormat(%q) unexpected error: %v", name, err)
		}
	}
	for _, name := range invalid {
		if err := NodeNameFormat(name); err == nil {
			t.Errorf("NodeNameFormat(%q) expected error", name)
		}
	}
}

type inner struct {
	ID string `json:"id" validate:"required"`
}

type outer struct {
	Kind  string `json:"type" validate:"required"`
	Inner inner  `json:"task"`
	Count int    `json:"count" validate:"gte=0,lte=100"`
}

func TestStructUsesWireNames(t *testing.T) {
	err := Struct(outer{Kind: "x", Count: 150})
	if err == nil {
		t.Fatal("Struct() expected error")
	}
	msg := err.Error()
	for _, want := range []string{"task.id is required", "count must be at most 100"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Struct() error = %q, want it to contain %q", msg, want)
		}
	}

	if err := Struct(outer{Kind: "x", Inner: inner{ID: "t1"}}); err != nil {
		t.Errorf("Struct() unexpected error: %v", err)
	}
}
