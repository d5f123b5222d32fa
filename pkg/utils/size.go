package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses human-friendly data sizes like "100MB", "1.5GiB" or a
// bare byte count. KB/MB/GB/TB are decimal; K/M/G/T and the IEC KiB/MiB/GiB/TiB
// forms are binary.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("negative size: %s", sizeStr)
		}
		return val, nil
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '100MB', '512KiB', '1.5GB')", sizeStr)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	multiplier := getMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, KiB, MiB, GiB, TiB)", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// FormatDataSize formats bytes with binary units, e.g. "1.5 MB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	exp := 0
	div := int64(unit)
	for n := bytes / unit; n >= unit && exp < len(units)-2; n /= unit {
		div *= unit
		exp++
	}
	exp++

	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	} else if value*10 == float64(int64(value*10)) {
		return fmt.Sprintf("%.1f %s", value, units[exp])
	}
	return fmt.Sprintf("%.2f %s", value, units[exp])
}

func getMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1

	// Decimal units
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "TB":
		return 1000 * 1000 * 1000 * 1000

	// Binary units
	case "KIB", "K":
		return KiloByte
	case "MIB", "M":
		return MegaByte
	case "GIB", "G":
		return GigaByte
	case "TIB", "T":
		return 1024 * GigaByte

	default:
		return 0
	}
}

const (
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
)

// DataSize is a byte count that reads from JSON and the environment as
// either a number or a size string.
type DataSize int64

// Bytes returns the size as an int64.
func (d DataSize) Bytes() int64 { return int64(d) }

func (d DataSize) String() string { return FormatDataSize(int64(d)) }

// UnmarshalJSON accepts 1048576 as well as "1MiB".
func (d *DataSize) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		if v < 0 {
			return fmt.Errorf("negative size: %v", v)
		}
		*d = DataSize(v)
	case string:
		return d.Decode(v)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

// MarshalJSON writes the exact byte count.
func (d DataSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(d))
}

// Decode implements envconfig.Decoder.
func (d *DataSize) Decode(value string) error {
	n, err := ParseDataSize(value)
	if err != nil {
		return err
	}
	*d = DataSize(n)
	return nil
}
