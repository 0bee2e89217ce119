package period

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a calendar interval. Months are applied first with the day of
// month clamped to the target month, then days, then the clock duration.
type Period struct {
	Months   int
	Days     int
	Duration time.Duration
}

// Infinite recharges or burns never within any practical subscription.
var Infinite = Period{Months: 1000 * 12}

var ErrInvalidPeriod = errors.New("invalid_period")

func Years(n int) Period { return Period{Months: 12 * n} }
func Months(n int) Period { return Period{Months: n} }
func Days(n int) Period { return Period{Days: n} }
func Of(d time.Duration) Period { return Period{Duration: d} }
func (p Period) IsZero() bool { return p == Period{} }
func (p Period) IsInfinite() bool { return p.Months >= Infinite.Months }
func (p Period) Scale(n int) Period { return Period{Months: p.Months * n, Days: p.Days * n, Duration: p.Duration * time.Duration(n)} }
func (p Period) Negate() Period { return p.Scale(-1) }
func (p Period) Equal(o Period) bool { return p == o }

// Fixed reports the exact length of p when it has no month component.
func (p Period) Fixed() (time.Duration, bool) {
	if p.Months != 0 {
		return 0, false
	}
	return time.Duration(p.Days)*24*time.Hour + p.Duration, true
}

// Positive reports whether adding p always moves time forward.
func (p Period) Positive() bool {
	if p.Months < 0 || p.Days < 0 || p.Duration < 0 {
		return false
	}
	return !p.IsZero()
}

// Add returns t shifted by n times p.
func (p Period) Add(t time.Time, n int) time.Time {
	scaled := p.Scale(n)
	if scaled.Months != 0 {
		t = addMonths(t, scaled.Months)
	}
	if scaled.Days != 0 {
		t = t.AddDate(0, 0, scaled.Days)
	}
	return t.Add(scaled.Duration)
}

// After returns t + p.
func (p Period) After(t time.Time) time.Time { return p.Add(t, 1) }

// Before returns t - p.
func (p Period) Before(t time.Time) time.Time { return p.Add(t, -1) }

func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	y += total / 12
	total %= 12
	if total < 0 {
		total += 12
		y--
	}
	target := time.Month(total + 1)
	if last := daysIn(y, target); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(y, target, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// String renders p as an ISO-8601 style duration (P1Y2M3DT4H5M6S) or "inf".
func (p Period) String() string {
	if p.IsInfinite() {
		return "inf"
	}
	if p.IsZero() {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("P")
	if y := p.Months / 12; y != 0 {
		fmt.Fprintf(&b, "%dY", y)
	}
	if m := p.Months % 12; m != 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if p.Days != 0 {
		fmt.Fprintf(&b, "%dD", p.Days)
	}
	if p.Duration != 0 {
		b.WriteString("T")
		d := p.Duration
		if h := d / time.Hour; h != 0 {
			fmt.Fprintf(&b, "%dH", h)
			d -= h * time.Hour
		}
		if m := d / time.Minute; m != 0 {
			fmt.Fprintf(&b, "%dM", m)
			d -= m * time.Minute
		}
		if d != 0 {
			b.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
			b.WriteString("S")
		}
	}
	return b.String()
}

// Parse reads the textual form produced by String. Empty input is the zero
// period; "inf", "infinite" and "infinity" are Infinite.
func Parse(s string) (Period, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "":
		return Period{}, nil
	case "INF", "INFINITE", "INFINITY":
		return Infinite, nil
	}
	if !strings.HasPrefix(s, "P") || len(s) == 1 {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}

	var p Period
	inTime := false
	num := ""
	for _, r := range s[1:] {
		switch {
		case r == 'T':
			if inTime || num != "" {
				return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
			}
			inTime = true
		case r == '-' || r == '.' || (r >= '0' && r <= '9'):
			num += string(r)
		default:
			if num == "" {
				return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
			}
			if err := p.set(r, num, inTime); err != nil {
				return Period{}, fmt.Errorf("%w: %q", err, s)
			}
			num = ""
		}
	}
	if num != "" {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return p, nil
}

func (p *Period) set(unit rune, num string, inTime bool) error {
	if inTime {
		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return ErrInvalidPeriod
		}
		switch unit {
		case 'H':
			p.Duration += time.Duration(v * float64(time.Hour))
		case 'M':
			p.Duration += time.Duration(v * float64(time.Minute))
		case 'S':
			p.Duration += time.Duration(v * float64(time.Second))
		default:
			return ErrInvalidPeriod
		}
		return nil
	}

	v, err := strconv.Atoi(num)
	if err != nil {
		return ErrInvalidPeriod
	}
	switch unit {
	case 'Y':
		p.Months += 12 * v
	case 'M':
		p.Months += v
	case 'W':
		p.Days += 7 * v
	case 'D':
		p.Days += v
	default:
		return ErrInvalidPeriod
	}
	return nil
}

// MustParse is Parse for package-level literals.
func MustParse(s string) Period {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Period) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value stores the period as text; the zero period is stored as NULL.
func (p Period) Value() (driver.Value, error) {
	if p.IsZero() {
		return nil, nil
	}
	return p.String(), nil
}

func (p *Period) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = Period{}
		return nil
	case string:
		return p.UnmarshalText([]byte(v))
	case []byte:
		return p.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: unsupported scan type %T", ErrInvalidPeriod, src)
	}
}

// GormDataType keeps the column a plain string across dialects.
func (Period) GormDataType() string { return "string" }
