package domain

import "testing"

func TestFormatMinorUnits(t *testing.T) {
	cases := []struct {
		amount int64
		want   string
	}{
		{25000, "250.00"},
		{0, "0.00"},
		{5, "0.05"},
		{199, "1.99"},
		{100000, "1000.00"},
		{-1250, "-12.50"},
	}
	for _, tc := range cases {
		if got := FormatMinorUnits(tc.amount); got != tc.want {
			t.Errorf("FormatMinorUnits(%d) = %q, want %q", tc.amount, got, tc.want)
		}
	}
}

func TestParseMinorUnits(t *testing.T) {
	got, err := ParseMinorUnits("250.00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 25000 {
		t.Fatalf("expected 25000, got %d", got)
	}

	if _, err := ParseMinorUnits("10.005"); err == nil {
		t.Fatal("expected error for three decimal places")
	}
	if _, err := ParseMinorUnits("abc"); err == nil {
		t.Fatal("expected error for non-numeric input")
	}
}

func TestValidateCurrency(t *testing.T) {
	if err := ValidateCurrency("PHP"); err != nil {
		t.Fatalf("expected PHP to validate, got %v", err)
	}
	if err := ValidateCurrency("USD"); err != nil {
		t.Fatalf("expected USD to validate, got %v", err)
	}
	for _, code := range []string{"", "php", "PESO", "XXXX", "P1P"} {
		if err := ValidateCurrency(code); err == nil {
			t.Errorf("expected %q to be rejected", code)
		}
	}
}
