package domain

import "testing"

func TestParseInterval(t *testing.T) {
	cases := []struct {
		tag     string
		wantN   int
		wantSec int64
		wantErr bool
	}{
		{"1m", 1, 60, false},
		{"5m", 5, 300, false},
		{"30s", 30, 30, false},
		{"60m", 60, 3600, false},
		{"1d", 1, 86400, false},
		{"1w", 1, 7 * 86400, false},
		{"1h", 0, 0, true},
		{"2H", 0, 0, true},
		{"m", 0, 0, true},
		{"", 0, 0, true},
		{"0m", 0, 0, true},
		{"-5m", 0, 0, true},
		{"5x", 0, 0, true},
	}

	for _, c := range cases {
		iv, err := ParseInterval(c.tag)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseInterval(%q) expected error, got %v", c.tag, iv)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInterval(%q) returned error: %v", c.tag, err)
			continue
		}
		if iv.N != c.wantN {
			t.Errorf("ParseInterval(%q).N = %d, want %d", c.tag, iv.N, c.wantN)
		}
		if iv.Seconds() != c.wantSec {
			t.Errorf("ParseInterval(%q).Seconds() = %d, want %d", c.tag, iv.Seconds(), c.wantSec)
		}
		if iv.String() != c.tag {
			t.Errorf("ParseInterval(%q).String() = %q", c.tag, iv.String())
		}
	}
}

func TestIntervalDerivableFrom(t *testing.T) {
	cases := []struct {
		derived, base string
		want          bool
	}{
		{"5m", "1m", true},
		{"1m", "1m", true},
		{"1d", "1m", true},
		{"1w", "1d", true},
		{"1m", "5m", false},  // shorter than base
		{"90s", "60s", false}, // not an exact multiple
		{"3m", "2m", false},
	}

	for _, c := range cases {
		d := MustInterval(c.derived)
		b := MustInterval(c.base)
		if got := d.DerivableFrom(b); got != c.want {
			t.Errorf("%s.DerivableFrom(%s) = %v, want %v", c.derived, c.base, got, c.want)
		}
	}
}

func TestIntervalIntraday(t *testing.T) {
	if !MustInterval("1m").Intraday() {
		t.Error("1m should be intraday")
	}
	if !MustInterval("30s").Intraday() {
		t.Error("30s should be intraday")
	}
	if MustInterval("1d").Intraday() {
		t.Error("1d should not be intraday")
	}
}
