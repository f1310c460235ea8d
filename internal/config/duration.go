package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses raw as a Go duration ("90s", "1h30m"). A bare
// integer counts as seconds, matching the seconds-valued fields. Empty is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	var d time.Duration
	switch n, err := strconv.Atoi(s); {
	case s == "":
		return 0, nil
	case err == nil:
		d = time.Duration(n) * time.Second
	default:
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("%s: %q is neither a duration nor seconds", path, raw)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err == nil && d == 0 {
		d = def
	}
	return d, err
}
