package domain

import (
	"fmt"
	"strconv"
)

// IntervalUnit is the unit component of an interval tag.
type IntervalUnit byte

const (
	UnitSecond IntervalUnit = 's'
	UnitMinute IntervalUnit = 'm'
	UnitDay    IntervalUnit = 'd'
	UnitWeek   IntervalUnit = 'w'
)

// Interval is a canonical bar interval: a count plus a unit. Hourly tags are
// rejected at parse time; callers use minutes ("60m"). The zero value is not
// a valid interval.
type Interval struct {
	N    int
	Unit IntervalUnit
}

// ParseInterval parses a canonical "<N><unit>" tag such as "1m", "30s", or
// "1d". Hours are rejected by design: use "60m".
func ParseInterval(tag string) (Interval, error) {
	if len(tag) < 2 {
		return Interval{}, fmt.Errorf("invalid interval tag %q", tag)
	}
	unit := IntervalUnit(tag[len(tag)-1])
	n, err := strconv.Atoi(tag[:len(tag)-1])
	if err != nil || n <= 0 {
		return Interval{}, fmt.Errorf("invalid interval tag %q", tag)
	}
	switch unit {
	case UnitSecond, UnitMinute, UnitDay, UnitWeek:
		return Interval{N: n, Unit: unit}, nil
	case 'h', 'H':
		return Interval{}, fmt.Errorf("hourly interval %q not supported, use minutes (e.g. 60m)", tag)
	default:
		return Interval{}, fmt.Errorf("unknown interval unit in %q", tag)
	}
}

// MustInterval parses a tag and panics on error. For constants and tests.
func MustInterval(tag string) Interval {
	iv, err := ParseInterval(tag)
	if err != nil {
		panic(err)
	}
	return iv
}

// String returns the canonical tag, e.g. "5m".
func (iv Interval) String() string {
	return strconv.Itoa(iv.N) + string(iv.Unit)
}

// Seconds returns the canonical length of the interval in seconds.
func (iv Interval) Seconds() int64 {
	switch iv.Unit {
	case UnitSecond:
		return int64(iv.N)
	case UnitMinute:
		return int64(iv.N) * 60
	case UnitDay:
		return int64(iv.N) * 86400
	case UnitWeek:
		return int64(iv.N) * 7 * 86400
	default:
		return 0
	}
}

// IsZero reports whether the interval is the zero value.
func (iv Interval) IsZero() bool { return iv.N == 0 }

// Intraday reports whether the interval is shorter than one day.
func (iv Interval) Intraday() bool {
	return iv.Unit == UnitSecond || iv.Unit == UnitMinute
}

// DerivableFrom reports whether bars of this interval can be aggregated from
// bars of base: the interval must be at least as long as the base and an
// exact multiple of it.
func (iv Interval) DerivableFrom(base Interval) bool {
	bs, ds := base.Seconds(), iv.Seconds()
	return bs > 0 && ds >= bs && ds%bs == 0
}
