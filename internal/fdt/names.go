package fdt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned for node or property names outside the
// devicetree charset or length limits.
var ErrInvalidName = errors.New("fdt: invalid name")

const maxNameLength = 31

func isNodeNameChar(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	}
	return strings.IndexByte(",._+-", c) >= 0
}

func isPropertyNameChar(c byte) bool {
	return isNodeNameChar(c) || c == '?' || c == '#'
}

func checkName(kind, name string, valid func(byte) bool) error {
	if len(name) == 0 || len(name) > maxNameLength {
		return fmt.Errorf("%w: %s %q must be 1-%d characters", ErrInvalidName, kind, name, maxNameLength)
	}
	for i := 0; i < len(name); i++ {
		if !valid(name[i]) {
			return fmt.Errorf("%w: %s %q contains %q", ErrInvalidName, kind, name, name[i])
		}
	}
	return nil
}

// ValidateNodeName checks a full node name of the form "name" or
// "name@unit-address".
func ValidateNodeName(fullName string) error {
	name, unit, hasUnit := strings.Cut(fullName, "@")
	if err := checkName("node name", name, isNodeNameChar); err != nil {
		return err
	}
	if hasUnit {
		if err := checkName("unit address", unit, isNodeNameChar); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePropertyName checks a property name.
func ValidatePropertyName(name string) error {
	return checkName("property name", name, isPropertyNameChar)
}
