package revenue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultWindow = "30d"
	dayLength     = 24 * time.Hour
)

// Window is a trailing period ending at the snapshot's as-of time.
type Window struct {
	Label  string
	Length time.Duration
}

// ParseWindow accepts day counts ("30d") or Go durations ("72h"). Labels are
// canonicalized so "720h" and "30d" share one snapshot series.
func ParseWindow(raw string) (Window, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		raw = DefaultWindow
	}

	var length time.Duration
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return Window{}, fmt.Errorf("invalid window %q", raw)
		}
		length = time.Duration(days) * dayLength
	} else {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Window{}, fmt.Errorf("invalid window %q", raw)
		}
		length = d
	}
	if length <= 0 {
		return Window{}, fmt.Errorf("window %q must be positive", raw)
	}
	return Window{Label: labelFor(length), Length: length}, nil
}

// ParseWindows parses a configured list, dropping duplicates.
func ParseWindows(raw []string) ([]Window, error) {
	seen := map[string]bool{}
	out := make([]Window, 0, len(raw))
	for _, r := range raw {
		w, err := ParseWindow(r)
		if err != nil {
			return nil, err
		}
		if seen[w.Label] {
			continue
		}
		seen[w.Label] = true
		out = append(out, w)
	}
	return out, nil
}

// Bounds returns the window's [start, end] for the given as-of time.
func (w Window) Bounds(asOf time.Time) (time.Time, time.Time) {
	end := asOf.UTC()
	return end.Add(-w.Length), end
}

func labelFor(d time.Duration) string {
	if d%dayLength == 0 {
		return fmt.Sprintf("%dd", d/dayLength)
	}
	return d.String()
}
