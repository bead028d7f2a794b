package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fakeRow feeds fixed column values to scanAccount.
type fakeRow struct {
	cash, total string
	assets      string
}

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*string) = "alice"
	*dest[1].(*string) = "alice"
	*dest[2].(*string) = "alice@example.com"
	*dest[3].(*string) = r.cash
	*dest[4].(*[]byte) = []byte(r.assets)
	*dest[5].(*string) = r.total
	*dest[6].(*int64) = 3
	*dest[7].(*string) = "op-1"
	*dest[8].(*time.Time) = time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	return nil
}

func TestScanAccount(t *testing.T) {
	a, err := scanAccount(fakeRow{cash: "1000.50", total: "1200", assets: `[{"stockName":"AAPL","quantity":"2"}]`})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !a.Cash.Equal(decimal.RequireFromString("1000.50")) {
		t.Errorf("expected cash 1000.50, got %s", a.Cash)
	}
	if a.Version != 3 || len(a.Positions) != 1 || a.Positions[0].Symbol != "AAPL" {
		t.Errorf("unexpected account: %+v", a)
	}
}

func TestScanAccount_RejectsCorruptColumns(t *testing.T) {
	tests := []struct {
		name string
		row  fakeRow
	}{
		{"cash", fakeRow{cash: "", total: "0", assets: `[]`}},
		{"total value", fakeRow{cash: "10", total: "NaN?", assets: `[]`}},
		{"assets", fakeRow{cash: "10", total: "10", assets: `{`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := scanAccount(tt.row)
			if err == nil {
				t.Fatalf("expected an error, got account with cash %s", a.Cash)
			}
		})
	}
}
