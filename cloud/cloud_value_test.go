package cloud

import (
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCloudValueString(t *testing.T) {
	assert.Equal(t, CloudValueString("12"), "12")
	assert.Equal(t, CloudValueString(12), "12")
	assert.Equal(t, CloudValueString(int64(-7)), "-7")
	assert.Equal(t, CloudValueString(1.5), "1.5")
	assert.Equal(t, CloudValueString(true), "true")
	assert.Equal(t, CloudValueString(math.Inf(1)), "Infinity")
	assert.Equal(t, CloudValueString(math.Inf(-1)), "-Infinity")
}

func TestValidateCloudValue(t *testing.T) {
	for _, value := range []string{"0", "12", "-12", "+3", "1.5", ".5", "5.", "2122.42", "-2122.42"} {
		assert.Equal(t, ValidateCloudValue(value, ScratchMaxValueLength, false), nil)
	}
	for _, value := range []string{"", "abc", "1.2.3", "--1", "1e5", "true", "Infinity", " 1"} {
		err := ValidateCloudValue(value, ScratchMaxValueLength, false)
		assert.Equal(t, errors.Is(err, ErrInvalidCloudValue), true)
	}

	long := ""
	for range ScratchMaxValueLength + 1 {
		long += "1"
	}
	assert.Equal(t, errors.Is(ValidateCloudValue(long, ScratchMaxValueLength, false), ErrInvalidCloudValue), true)
	assert.Equal(t, ValidateCloudValue(long, 0, false), nil)

	assert.Equal(t, ValidateCloudValue("abc", 0, true), nil)
}

func TestNames(t *testing.T) {
	assert.Equal(t, WireName("score"), "☁ score")
	assert.Equal(t, WireName("☁ score"), "☁ score")
	assert.Equal(t, LocalName("☁ score"), "score")
	assert.Equal(t, LocalName("score"), "score")
}
