package fix

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"fixmatch/internal/common"
)

// Binary price and quantity fields travel as v * 10^common.ScaleDigits, so
// the representable range is [0, 184467440737.09551615]. Inputs beyond it
// fail with ErrOverflow rather than wrapping.
var maxScaled = new(big.Int).SetUint64(^uint64(0))

// Scale parses a decimal string and returns it scaled by 10^8, rounded half
// away from zero to 8 decimal places.
func Scale(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal: %v", ErrMalformedField, s, err)
	}
	return ScaleDecimal(d)
}

// ScaleDecimal scales d by 10^8. Negative values are malformed; values
// above the uint64 range overflow.
func ScaleDecimal(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative value %s", ErrMalformedField, d)
	}
	scaled := d.Round(common.ScaleDigits).Shift(common.ScaleDigits).BigInt()
	if scaled.Cmp(maxScaled) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return scaled.Uint64(), nil
}

// FormatScaled renders a scaled integer as a plain decimal string with
// trailing zeros trimmed.
func FormatScaled(v uint64) string {
	return common.Unscale(v).String()
}
