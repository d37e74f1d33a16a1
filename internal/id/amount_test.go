package id

import "testing"

func TestNormalizeAmountBaseUnits(t *testing.T) {
	base, dec, err := NormalizeAmount("1000000", "", 6)
	if err != nil {
		t.Fatalf("NormalizeAmount failed: %v", err)
	}
	if base != "1000000" || dec != "1" {
		t.Fatalf("unexpected result: base=%s dec=%s", base, dec)
	}
}

func TestNormalizeAmountDecimal(t *testing.T) {
	base, dec, err := NormalizeAmount("", "1.25", 6)
	if err != nil {
		t.Fatalf("NormalizeAmount failed: %v", err)
	}
	if base != "1250000" || dec != "1.25" {
		t.Fatalf("unexpected result: base=%s dec=%s", base, dec)
	}
}

func TestToBaseUnitsFloors(t *testing.T) {
	cases := []struct {
		in       string
		decimals int
		want     string
	}{
		{"10", 6, "10000000"},
		{"1.9999999", 6, "1999999"},
		{"0.0000019", 6, "1"},
		{"3.14159", 0, "3"},
		{"12.5", 8, "1250000000"},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("ToBaseUnits(%s,%d) failed: %v", tc.in, tc.decimals, err)
		}
		if got != tc.want {
			t.Fatalf("ToBaseUnits(%s,%d)=%s want %s", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestNormalizeAmountValidation(t *testing.T) {
	if _, _, err := NormalizeAmount("10", "1", 6); err == nil {
		t.Fatal("expected mutual exclusivity error")
	}
	for _, bad := range []string{"-1", "abc", "1e5", "0", "0.0000001", ".5"} {
		if _, _, err := NormalizeAmount("", bad, 6); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if got := FormatBaseUnits("0", 6); got != "0" {
		t.Fatalf("unexpected zero format: %s", got)
	}
	if got := FormatBaseUnits("1500", 3); got != "1.5" {
		t.Fatalf("unexpected format: %s", got)
	}
}
