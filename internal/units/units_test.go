package units

import (
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		dec  int32
		want uint64
	}{
		{"1", 9, 1_000_000_000},
		{"0.8", 9, 800_000_000},
		{" 0.000000001 ", 9, 1},
		{"18446744073.709551615", 9, 18446744073709551615},
		{"42", 0, 42},
		{"1.50", 2, 150},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in, tt.dec)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseAmount(%q)=%d want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseAmount_Errors(t *testing.T) {
	if _, err := ParseAmount("-1", 9); !errors.Is(err, ErrNegative) {
		t.Fatalf("want ErrNegative, got %v", err)
	}
	if _, err := ParseAmount("0.0000000001", 9); !errors.Is(err, ErrPrecision) {
		t.Fatalf("want ErrPrecision, got %v", err)
	}
	if _, err := ParseAmount("18446744073.709551616", 9); !errors.Is(err, ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}
	if _, err := ParseAmount("one", 9); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(800_000_000, 9); got != "0.8" {
		t.Fatalf("got %q", got)
	}
	if got := FormatAmount(1_200_000_000, 9); got != "1.2" {
		t.Fatalf("got %q", got)
	}
	if got := FormatAmount(0, 9); got != "0" {
		t.Fatalf("got %q", got)
	}
	if Unit(9) != 1_000_000_000 || Unit(0) != 1 {
		t.Fatalf("Unit mismatch")
	}
}
