package validation

import (
	"strings"
	"testing"
)

func TestValidateTubeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "default", false},
		{"with hyphen", "mail-out", false},
		{"with underscore", "mail_out", false},
		{"punctuation", "a+b/c;d.e$f(g)", false},
		{"numbers", "123", false},
		{"max length", strings.Repeat("a", 200), false},
		{"empty", "", true},
		{"leading hyphen", "-queue", true},
		{"space", "my tube", true},
		{"control char", "a\x00b", true},
		{"non-ascii", "tübe", true},
		{"colon", "a:b", true},
		{"too long", strings.Repeat("a", 201), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTubeName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTubeName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		port    int
		wantErr bool
	}{
		{11300, false},
		{1, false},
		{65535, false},
		{0, true},
		{-1, true},
		{65536, true},
	}

	for _, tt := range tests {
		err := ValidatePort(tt.port)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePort(%d) error = %v, wantErr %v", tt.port, err, tt.wantErr)
		}
	}
}

func TestValidateListenAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"all interfaces", "0.0.0.0:5000", false},
		{"empty host", ":5000", false},
		{"ipv6", "[::1]:5000", false},
		{"any port", "127.0.0.1:0", false},
		{"empty", "", true},
		{"no port", "localhost", true},
		{"bad port", "localhost:http", true},
		{"port out of range", "localhost:70000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateListenAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateListenAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateHost(t *testing.T) {
	if err := ValidateHost("broker.internal"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "  ", "a b", "http://x"} {
		if err := ValidateHost(bad); err == nil {
			t.Errorf("ValidateHost(%q) should fail", bad)
		}
	}
}
