package progress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^\s*~?\s*(\d+(?:\.\d+)?)\s*([kmgtp]?)(i?)(b?)\s*(?:/s)?\s*$`)

// ParseSize parses sizes such as "4.0MiB", "500KB", "12b" or "1.5 GiB". Units
// are case-insensitive and binary: KB and KiB both mean 1024 bytes.
func ParseSize(s string) (int64, error) {
	v, err := parseUnit(s)
	if err != nil {
		return 0, err
	}

	return int64(v), nil
}

// ParseRate parses a rate such as "2.5MiB/s" or aria2's "DL:1.2MiB" value
// into bytes per second.
func ParseRate(s string) (float64, error) {
	return parseUnit(s)
}

func parseUnit(s string) (float64, error) {
	m := sizePattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	multiplier := 1.0

	switch m[2] {
	case "k":
		multiplier = 1 << 10
	case "m":
		multiplier = 1 << 20
	case "g":
		multiplier = 1 << 30
	case "t":
		multiplier = 1 << 40
	case "p":
		multiplier = 1 << 50
	}

	return val * multiplier, nil
}

var etaPattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseETA normalises an ETA into "mm:ss" or "hh:mm:ss". It accepts aria2's
// "1h2m3s" form and passes colon forms through after validation.
func ParseETA(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return "", false
		}

		for _, p := range parts {
			if _, err := strconv.Atoi(p); err != nil {
				return "", false
			}
		}

		return s, true
	}

	m := etaPattern.FindStringSubmatch(strings.ToLower(s))
	if m == nil || m[0] == "" {
		return "", false
	}

	var secs int

	for i, mult := range []int{86400, 3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}

		n, _ := strconv.Atoi(m[i+1])
		secs += n * mult
	}

	return formatClock(secs), true
}

func formatClock(secs int) string {
	h := secs / 3600
	m := (secs % 3600) / 60
	sec := secs % 60

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}

	return fmt.Sprintf("%02d:%02d", m, sec)
}

func parsePercent(s string) (float64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}

	return v / 100, true
}
