package leverage

import (
	"errors"
	"math/big"
	"testing"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

func TestMaxSafeLeverage(t *testing.T) {
	tests := []struct {
		name string
		ltvs []uint64
		want uint64
	}{
		{"single 75%", []uint64{7500}, 17500},
		{"single 80%", []uint64{8000}, 18000},
		{"min binds, not average", []uint64{8000, 5000, 7000}, 15000},
		{"zero ltv", []uint64{0}, 10000},
		{"full ltv", []uint64{10000}, 20000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MaxSafeLeverage(tt.ltvs)
			if err != nil {
				t.Fatalf("MaxSafeLeverage(%v): %v", tt.ltvs, err)
			}
			if got != tt.want {
				t.Errorf("MaxSafeLeverage(%v) = %d, want %d", tt.ltvs, got, tt.want)
			}
		})
	}
}

func TestMaxSafeLeverageEmpty(t *testing.T) {
	_, err := MaxSafeLeverage(nil)
	if !errors.Is(err, domain.ErrUnsupportedAsset) {
		t.Fatalf("MaxSafeLeverage(nil) = %v, want ErrUnsupportedAsset", err)
	}
}

func TestTheoreticalMaxLeverage(t *testing.T) {
	tests := []struct {
		name string
		ltv  uint64
		want uint64
	}{
		{"50% -> 2x", 5000, 20000},
		{"75% -> 4x", 7500, 40000},
		{"80% -> 5x", 8000, 50000},
		{"90% -> 10x", 9000, 100000},
		{"0% -> 1x", 0, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TheoreticalMaxLeverage(tt.ltv); got != tt.want {
				t.Errorf("TheoreticalMaxLeverage(%d) = %d, want %d", tt.ltv, got, tt.want)
			}
		})
	}
}

func TestTheoreticalMaxLeverageClampsLTV(t *testing.T) {
	// An LTV at or above the scale must not divide by zero.
	at := TheoreticalMaxLeverage(10000)
	above := TheoreticalMaxLeverage(12000)
	if at == 0 || above == 0 {
		t.Fatalf("clamped leverage should be positive, got %d and %d", at, above)
	}
	if at != above {
		t.Errorf("values at and above the scale should clamp identically: %d != %d", at, above)
	}
}

func TestTheoreticalExceedsSafe(t *testing.T) {
	// The asymptote dominates the additive ceiling for every nonzero LTV.
	for _, ltv := range []uint64{1000, 2500, 5000, 7500, 9000, 9900} {
		safe, err := MaxSafeLeverage([]uint64{ltv})
		if err != nil {
			t.Fatal(err)
		}
		if theo := TheoreticalMaxLeverage(ltv); theo <= safe {
			t.Errorf("ltv %d: theoretical %d <= safe %d", ltv, theo, safe)
		}
	}
}

func TestTargetBorrowUSD(t *testing.T) {
	tests := []struct {
		name   string
		total  int64
		factor uint64
		want   int64
	}{
		{"1x borrows nothing", 1000_00000000, 10000, 0},
		{"2x borrows principal", 1000_00000000, 20000, 1000_00000000},
		{"1.5x borrows half", 1000_00000000, 15000, 500_00000000},
		{"1.75x", 2000_00000000, 17500, 1500_00000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TargetBorrowUSD(big.NewInt(tt.total), tt.factor)
			if got.Cmp(big.NewInt(tt.want)) != 0 {
				t.Errorf("TargetBorrowUSD(%d, %d) = %s, want %d", tt.total, tt.factor, got, tt.want)
			}
		})
	}
}

func TestCurrentLeverage(t *testing.T) {
	tests := []struct {
		name       string
		collateral int64
		debt       int64
		want       uint64
	}{
		{"no debt is 1x", 1000, 0, 10000},
		{"half debt is 2x", 1000, 500, 20000},
		{"quarter debt", 1000, 250, 13333},
		{"empty account", 0, 0, 0},
		{"insolvent", 1000, 1000, 0},
		{"underwater", 1000, 1500, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CurrentLeverage(big.NewInt(tt.collateral), big.NewInt(tt.debt))
			if got != tt.want {
				t.Errorf("CurrentLeverage(%d, %d) = %d, want %d", tt.collateral, tt.debt, got, tt.want)
			}
		})
	}
}
