// Package fmt holds number formatting shared by wire command builders.
package fmt

import (
	"strconv"
	"strings"
)

// SprintFloat formats value with at most decimal digits after the point, trimming trailing
// zeros and the point itself: 10 is "10", 0.50 is "0.5".
func SprintFloat(value float64, decimal uint) string {
	floatStr := strconv.FormatFloat(value, 'f', int(decimal), 64)
	if decimal > 0 {
		floatStr = strings.TrimRight(strings.TrimRight(floatStr, "0"), ".")
	}
	// rounding tiny negatives yields "-0"
	if floatStr == "-0" {
		floatStr = "0"
	}
	return floatStr
}
