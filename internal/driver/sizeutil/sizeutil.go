// Package sizeutil parses the size- and duration-valued driver properties
// (aeron.rcv.buffer.size and friends) from their human-readable suffixed
// form into plain integers. Grounded on nonchalant's internal/config
// package's suffix-driven parsing style, generalized from a fixed set of
// config keys to the general-purpose parseSize/parseDuration pair the
// driver's property loader calls for every buffer-size and timeout
// property.
package sizeutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSuffix is returned when a value carries a suffix that isn't
// recognized for the quantity being parsed (e.g. "g" on a duration).
var ErrInvalidSuffix = errors.New("sizeutil: invalid suffix")

// ParseSize parses a byte-count value such as "4k", "64K", "1G" into its
// integer byte count (1024-based). propertyName is used only to enrich
// error messages; an empty value returns 0, nil.
func ParseSize(propertyName, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	mult, digits, err := sizeMultiplier(value)
	if err != nil {
		return 0, fmt.Errorf("sizeutil: %s: %w", propertyName, err)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sizeutil: %s: %w", propertyName, err)
	}
	result := n * mult
	if mult != 0 && result/mult != n {
		return 0, fmt.Errorf("sizeutil: %s: value overflows 64-bit size range", propertyName)
	}
	return result, nil
}

func sizeMultiplier(value string) (int64, string, error) {
	suffix := value[len(value)-1]
	switch suffix {
	case 'k', 'K':
		return 1024, value[:len(value)-1], nil
	case 'm', 'M':
		return 1024 * 1024, value[:len(value)-1], nil
	case 'g', 'G':
		return 1024 * 1024 * 1024, value[:len(value)-1], nil
	default:
		if suffix >= '0' && suffix <= '9' {
			return 1, value, nil
		}
		return 0, "", ErrInvalidSuffix
	}
}

// ParseDuration parses a duration value such as "1us", "12s", "500ms" into
// nanoseconds. "g"/"G" (gigabytes' suffix) is explicitly invalid here even
// though it is valid for ParseSize. propertyName enriches error messages.
func ParseDuration(propertyName, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	lower := strings.ToLower(value)
	unit, digits, err := durationUnit(lower, value)
	if err != nil {
		return 0, fmt.Errorf("sizeutil: %s: %w", propertyName, err)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sizeutil: %s: %w", propertyName, err)
	}
	return n * int64(unit), nil
}

func durationUnit(lower, original string) (time.Duration, string, error) {
	switch {
	case strings.HasSuffix(lower, "ns"):
		return time.Nanosecond, original[:len(original)-2], nil
	case strings.HasSuffix(lower, "us"):
		return time.Microsecond, original[:len(original)-2], nil
	case strings.HasSuffix(lower, "ms"):
		return time.Millisecond, original[:len(original)-2], nil
	case strings.HasSuffix(lower, "s"):
		return time.Second, original[:len(original)-1], nil
	default:
		return 0, "", ErrInvalidSuffix
	}
}
