package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns a wrapped PowerOfTwoError if number is not a power of two. Zero and
// negative numbers are rejected as well.
func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func IsPow2(value int) bool {
	return value > 0 && value&(value-1) == 0
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two that is greater than or equal to value. Values
// below 1 produce 1.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(value-1))
}

// PrevPow2 returns the largest power of two that is less than or equal to value. Values below 1
// produce 0.
func PrevPow2(value int) int {
	if value < 1 {
		return 0
	}
	return 1 << (bits.Len(uint(value)) - 1)
}

// Log2 returns floor(log2(value)) for positive values
func Log2(value int) int {
	return bits.Len(uint(value)) - 1
}
