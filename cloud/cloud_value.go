package cloud

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidCloudValue = errors.New("Invalid cloud value.")

// optional sign, at most one decimal point, at least one digit
var numericPattern = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)$`)

// the name prefix the cloud server uses for every cloud variable
const CloudPrefix = "☁ "

func WireName(name string) string {
	if strings.HasPrefix(name, CloudPrefix) {
		return name
	}
	return CloudPrefix + name
}

func LocalName(wireName string) string {
	return strings.TrimPrefix(wireName, CloudPrefix)
}

// CloudValueString coerces a value to the string form that is sent on the wire.
func CloudValueString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return formatFloat(float64(v), 32)
	case float64:
		return formatFloat(v, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatFloat(v float64, bitSize int) string {
	switch {
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'f', -1, bitSize)
}

func IsNumeric(value string) bool {
	return numericPattern.MatchString(value)
}

// ValidateCloudValue applies the host value policy.
// maxLength <= 0 means no limit.
func ValidateCloudValue(value string, maxLength int, permissive bool) error {
	if 0 < maxLength && maxLength < len(value) {
		return fmt.Errorf("%w Length %d exceeds %d.", ErrInvalidCloudValue, len(value), maxLength)
	}
	if !permissive && !IsNumeric(value) {
		return fmt.Errorf("%w \"%s\" is not numeric.", ErrInvalidCloudValue, value)
	}
	return nil
}
