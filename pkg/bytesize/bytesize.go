// Package bytesize parses the human-readable byte and bandwidth figures
// used in configuration, like "512KB" or "10mbps".
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Byte size units.
const (
	B  int64 = 1
	KB int64 = 1 << 10
	MB int64 = 1 << 20
	GB int64 = 1 << 30
	TB int64 = 1 << 40
)

// split separates the numeric prefix from the unit suffix.
func split(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && (s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	num, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid size %q", s)
	}
	return num, strings.TrimSpace(s[i:]), nil
}

// Parse converts a size like "100MB", "1.5 GB", or a bare byte count.
// Units are binary and case-insensitive; Kubernetes-style "Ki"/"Mi"
// suffixes are accepted too.
func Parse(s string) (int64, error) {
	num, unit, err := split(s)
	if err != nil {
		return 0, err
	}
	var mult int64
	switch strings.ToUpper(unit) {
	case "", "B":
		mult = B
	case "K", "KB", "KI":
		mult = KB
	case "M", "MB", "MI":
		mult = MB
	case "G", "GB", "GI":
		mult = GB
	case "T", "TB", "TI":
		mult = TB
	default:
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	return int64(num * float64(mult)), nil
}

// ParseRate converts a bandwidth figure into bytes per second. Bit rates
// ("10mbps") use SI units; byte rates ("100KB/s") use binary units.
func ParseRate(s string) (int64, error) {
	num, unit, err := split(s)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(unit) {
	case "bps":
		return int64(num / 8), nil
	case "kbps":
		return int64(num * 1000 / 8), nil
	case "mbps":
		return int64(num * 1000 * 1000 / 8), nil
	case "gbps":
		return int64(num * 1000 * 1000 * 1000 / 8), nil
	case "b/s":
		return int64(num), nil
	case "kb/s":
		return int64(num * float64(KB)), nil
	case "mb/s":
		return int64(num * float64(MB)), nil
	case "gb/s":
		return int64(num * float64(GB)), nil
	default:
		return 0, fmt.Errorf("unknown rate unit %q", unit)
	}
}

// FormatRate renders bytes per second as a bit rate for logs.
func FormatRate(bytesPerSec int64) string {
	bits := bytesPerSec * 8
	switch {
	case bits >= 1000*1000*1000:
		return fmt.Sprintf("%.1fgbps", float64(bits)/1e9)
	case bits >= 1000*1000:
		return fmt.Sprintf("%.1fmbps", float64(bits)/1e6)
	case bits >= 1000:
		return fmt.Sprintf("%.1fkbps", float64(bits)/1e3)
	default:
		return fmt.Sprintf("%dbps", bits)
	}
}
