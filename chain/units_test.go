package chain

import "testing"

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		name     string
		amount   string
		decimals uint
		want     uint64
		wantErr  bool
	}{
		{name: "native whole", amount: "1", decimals: NativeDecimals, want: 1_000_000_000},
		{name: "native fractional", amount: "2.5", decimals: NativeDecimals, want: 2_500_000_000},
		{name: "native smallest", amount: "0.000000001", decimals: NativeDecimals, want: 1},
		{name: "token fractional", amount: "100.25", decimals: TokenDecimals, want: 100_250_000},
		{name: "excess precision truncates", amount: "0.1234567891", decimals: NativeDecimals, want: 123_456_789},
		{name: "zero", amount: "0", decimals: NativeDecimals, wantErr: true},
		{name: "negative", amount: "-1", decimals: NativeDecimals, wantErr: true},
		{name: "rounds to zero", amount: "0.0000001", decimals: TokenDecimals, wantErr: true},
		{name: "garbage", amount: "ten", decimals: NativeDecimals, wantErr: true},
		{name: "empty", amount: "", decimals: NativeDecimals, wantErr: true},
		{name: "overflow", amount: "99999999999999999999", decimals: NativeDecimals, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ToBaseUnits(tc.amount, tc.decimals)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d base units, got %d", tc.want, got)
			}
		})
	}
}
