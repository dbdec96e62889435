// Package validation provides centralized input validation for tubewatch.
package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// =============================================================================
// Tube Name Validation
// =============================================================================

// NameRules defines the validation rules for broker names.
type NameRules struct {
	MinLength int
	MaxLength int
	// Extra lists the punctuation allowed besides ASCII letters and digits.
	Extra string
	// NoLeading lists characters a name must not start with.
	NoLeading string
}

// TubeNameRules returns the beanstalkd rules for tube names.
func TubeNameRules() NameRules {
	return NameRules{
		MinLength: 1,
		MaxLength: 200,
		Extra:     "-+/;.$_()",
		NoLeading: "-",
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.ContainsAny(name[:1], rules.NoLeading) {
		return fmt.Errorf("name cannot start with '%c'", name[0])
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(rules.Extra, r)
}

// ValidateTubeName validates a tube name with the beanstalkd rules.
func ValidateTubeName(name string) error {
	return ValidateName(name, TubeNameRules())
}

// =============================================================================
// Network Address Validation
// =============================================================================

// ValidatePort checks that port is a usable TCP port.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range 1..65535", port)
	}
	return nil
}

// ValidateListenAddress checks a host:port listen address. The host may be
// empty to listen on all interfaces.
func ValidateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q in listen address", portStr)
	}
	// Port 0 asks the kernel for any free port.
	if port != 0 {
		return ValidatePort(port)
	}
	return nil
}

// ValidateHost checks a broker host name or IP.
func ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if strings.ContainsAny(host, " \t/") {
		return fmt.Errorf("invalid host %q", host)
	}
	return nil
}
