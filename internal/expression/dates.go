package expression

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// LocalDate is a calendar date without time or zone.
type LocalDate struct {
	Year  int
	Month time.Month
	Day   int
}

// LocalDateOf returns the date part of t in t's location.
func LocalDateOf(t time.Time) LocalDate {
	y, m, d := t.Date()
	return LocalDate{Year: y, Month: m, Day: d}
}

// ParseLocalDate parses an ISO yyyy-MM-dd date.
func ParseLocalDate(s string) (LocalDate, error) {
	t, err := time.Parse(layoutDate, s)
	if err != nil {
		return LocalDate{}, err
	}
	return LocalDateOf(t), nil
}

func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d LocalDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// LocalDateTime is a date and wall-clock time without zone.
type LocalDateTime struct {
	Date       LocalDate
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

var localDateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseLocalDateTime parses an ISO local date-time; seconds and fractions
// are optional.
func ParseLocalDateTime(s string) (LocalDateTime, error) {
	var lastErr error
	for _, layout := range localDateTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return LocalDateTime{
				Date:       LocalDateOf(t),
				Hour:       t.Hour(),
				Minute:     t.Minute(),
				Second:     t.Second(),
				Nanosecond: t.Nanosecond(),
			}, nil
		}
		lastErr = err
	}
	return LocalDateTime{}, lastErr
}

func (dt LocalDateTime) String() string {
	s := fmt.Sprintf("%sT%02d:%02d:%02d", dt.Date, dt.Hour, dt.Minute, dt.Second)
	if dt.Nanosecond != 0 {
		s += strings.TrimRight(fmt.Sprintf(".%09d", dt.Nanosecond), "0")
	}
	return s
}

func (dt LocalDateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(dt.String())
}

// ParseZonedDateTime parses an ISO offset date-time with an optional
// bracketed region, e.g. 2024-01-01T10:00:00+01:00[Europe/Paris].
func ParseZonedDateTime(s string) (time.Time, error) {
	zone := ""
	if i := strings.Index(s, "["); i >= 0 && strings.HasSuffix(s, "]") {
		zone = s[i+1 : len(s)-1]
		s = s[:i]
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	if zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return time.Time{}, fmt.Errorf("zone %q: %w", zone, err)
		}
		t = t.In(loc)
	}
	return t, nil
}
