package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in    string
		cents int64
		ok    bool
	}{
		{"42.00", 4200, true},
		{"42", 4200, true},
		{"38.5", 3850, true},
		{"0.01", 1, true},
		{"0", 0, true},
		{"-2.50", -250, true},
		{"  40.00 ", 4000, true},
		{"", 0, false},
		{"abc", 0, false},
		{"1.234", 0, false},
		{".", 0, false},
		{"-", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.cents {
			t.Errorf("Parse(%q) = %d cents, want %d", tt.in, got.Int64(), tt.cents)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{4200, "42.00"},
		{3850, "38.50"},
		{1, "0.01"},
		{0, "0.00"},
		{-250, "-2.50"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.cents)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}

	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %q, want 0.00", got)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"42.00", "0.01", "12345.67"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestPercent(t *testing.T) {
	// 5% of $40.00 is $2.00
	got := Percent(big.NewInt(4000), 5)
	if got.Int64() != 200 {
		t.Errorf("Percent(4000, 5) = %d, want 200", got.Int64())
	}

	// Truncates toward zero: 5% of $0.10 is 0 cents
	got = Percent(big.NewInt(10), 5)
	if got.Int64() != 0 {
		t.Errorf("Percent(10, 5) = %d, want 0", got.Int64())
	}
}

func TestSplit(t *testing.T) {
	// Half of $38.00
	share, rem := Split(big.NewInt(3800), 5000, 10000)
	if share.Int64() != 1900 || rem.Int64() != 1900 {
		t.Errorf("Split(3800, 5000, 10000) = %d, %d", share.Int64(), rem.Int64())
	}

	// Share plus remainder always reconstructs the original
	share, rem = Split(big.NewInt(101), 3333, 10000)
	if share.Int64()+rem.Int64() != 101 {
		t.Errorf("Split parts %d + %d != 101", share.Int64(), rem.Int64())
	}

	// Full and zero ratios
	share, rem = Split(big.NewInt(3800), 10000, 10000)
	if share.Int64() != 3800 || rem.Int64() != 0 {
		t.Errorf("full split = %d, %d", share.Int64(), rem.Int64())
	}
	share, rem = Split(big.NewInt(3800), 0, 10000)
	if share.Int64() != 0 || rem.Int64() != 3800 {
		t.Errorf("zero split = %d, %d", share.Int64(), rem.Int64())
	}
}
