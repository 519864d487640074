package fat32

import (
	"strings"
	"time"
)

// DOS dates start in 1980 and have two-second resolution.
func timeToDateTime(t time.Time) (datePart, timePart uint16) {
	year := t.Year()
	switch {
	case year < 1980:
		return 1<<5 | 1, 0
	case year > 2107:
		year = 2107
	}

	datePart = uint16((year-1980)<<9 | int(t.Month())<<5 | t.Day())
	timePart = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)

	return datePart, timePart
}

func dateTimeToTime(d, t uint16) time.Time {
	if d == 0 {
		return time.Time{}
	}

	year := int(d>>9) + 1980
	month := time.Month((d >> 5) & 0x0f)
	day := int(d & 0x1f)
	second := int(t&0x1f) * 2
	minute := int((t >> 5) & 0x3f)
	hour := int(t >> 11)

	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// splitPath breaks a slash separated path into its components, dropping
// empty and "." segments.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s == "" || s == "." {
			continue
		}
		out = append(out, s)
	}
	return out
}
