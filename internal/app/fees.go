package app

import (
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Amount is a payable total as a decimal and in minor currency units.
type Amount struct {
	Value      decimal.Decimal
	MinorUnits int64
}

// TotalPayable is the application fee plus the service charge. Absent or
// negative components count as zero.
func TotalPayable(s domain.Scholarship) Amount {
	total := nonNegative(s.ApplicationFee).Add(nonNegative(s.ServiceCharge))
	return Amount{Value: total, MinorUnits: ToMinorUnits(total)}
}

// ToMinorUnits converts a currency amount to cents, rounding half away from zero.
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func nonNegative(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid || d.Decimal.IsNegative() {
		return decimal.Zero
	}
	return d.Decimal
}
