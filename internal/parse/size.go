package parse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMGTP]?)(?:I?B)?$`)

var sizeShift = map[string]uint{
	"":  0,
	"K": 10,
	"M": 20,
	"G": 30,
	"T": 40,
	"P": 50,
}

// Size parses a human quota string such as "500G", "1.5T" or "1024" into bytes.
// Suffixes are binary, matching how zfs(8) interprets them.
func Size(raw string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("size is empty")
	}
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	bytes := value * math.Exp2(float64(sizeShift[m[2]]))
	if bytes > math.MaxUint64/2 {
		return 0, fmt.Errorf("size %q is too large", raw)
	}
	return uint64(bytes), nil
}

// FormatSize renders bytes the way `zfs list` does, with one decimal above KiB.
func FormatSize(bytes uint64) string {
	units := []string{"", "K", "M", "G", "T", "P"}
	value := float64(bytes)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	if i == 0 {
		return strconv.FormatUint(bytes, 10)
	}
	return strconv.FormatFloat(value, 'f', 1, 64) + units[i]
}
