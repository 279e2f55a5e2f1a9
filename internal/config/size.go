package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable size string like "512KB" into bytes.
// B, KB, MB, GB and TB suffixes are binary multiples (case-insensitive).
// A plain number is treated as bytes. Anything else, such as "1.5 GiB" or
// "10 M", is handed to humanize.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	upper := strings.ToUpper(s)

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if !strings.HasSuffix(upper, m.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(upper, m.suffix))
		if numStr == "" {
			return 0, fmt.Errorf("missing number in size: %s", s)
		}
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			break
		}
		if n < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		return n * m.mult, nil
	}

	if strings.HasPrefix(upper, "-") {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

// FormatSize renders a byte count with binary units, e.g. "5.0 MiB".
func FormatSize(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
