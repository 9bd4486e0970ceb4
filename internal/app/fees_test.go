package app

import (
	"testing"

	"github.com/scholarstream/application-service/internal/domain"
	"github.com/shopspring/decimal"
)

func TestTotalPayable(t *testing.T) {
	cases := []struct {
		name    string
		fee     string
		charge  string
		want    string
		wantMin int64
	}{
		{name: "fee plus charge", fee: "50", charge: "10", want: "60", wantMin: 6000},
		{name: "fractional", fee: "19.99", charge: "0.015", want: "20.005", wantMin: 2001},
		{name: "missing charge", fee: "25", want: "25", wantMin: 2500},
		{name: "missing both", want: "0", wantMin: 0},
		{name: "negative fee counts as zero", fee: "-5", charge: "3", want: "3", wantMin: 300},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var s domain.Scholarship
			if tc.fee != "" {
				s.ApplicationFee = decimal.NewNullDecimal(decimal.RequireFromString(tc.fee))
			}
			if tc.charge != "" {
				s.ServiceCharge = decimal.NewNullDecimal(decimal.RequireFromString(tc.charge))
			}
			got := TotalPayable(s)
			if !got.Value.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("expected total %s, got %s", tc.want, got.Value)
			}
			if got.MinorUnits != tc.wantMin {
				t.Fatalf("expected %d minor units, got %d", tc.wantMin, got.MinorUnits)
			}
		})
	}
}
