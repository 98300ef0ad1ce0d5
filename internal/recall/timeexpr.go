package recall

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// timeRange is a half-open [since, until) window.
type timeRange struct {
	since, until time.Time
}

var daysAgoRe = regexp.MustCompile(`\b(\d{1,3}) days? ago\b`)

// parseTimeExpression finds a relative time phrase in s and returns the
// window it names, in now's location.
func parseTimeExpression(s string, now time.Time) (timeRange, bool) {
	s = strings.ToLower(s)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day := func(offset int) timeRange {
		start := today.AddDate(0, 0, offset)
		return timeRange{since: start, until: start.AddDate(0, 0, 1)}
	}

	if m := daysAgoRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return day(-n), true
	}
	switch {
	case strings.Contains(s, "day before yesterday"):
		return day(-2), true
	case strings.Contains(s, "yesterday"):
		return day(-1), true
	case strings.Contains(s, "today"), strings.Contains(s, "tonight"), strings.Contains(s, "this morning"):
		return day(0), true
	case strings.Contains(s, "last week"):
		return timeRange{since: today.AddDate(0, 0, -7), until: today}, true
	case strings.Contains(s, "this week"):
		offset := (int(today.Weekday()) + 6) % 7 // weeks start on Monday
		return timeRange{since: today.AddDate(0, 0, -offset), until: today.AddDate(0, 0, 1)}, true
	case strings.Contains(s, "last month"):
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return timeRange{since: first.AddDate(0, -1, 0), until: first}, true
	case strings.Contains(s, "this month"):
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return timeRange{since: first, until: today.AddDate(0, 0, 1)}, true
	case strings.Contains(s, "recently"), strings.Contains(s, "lately"):
		return timeRange{since: today.AddDate(0, 0, -3), until: today.AddDate(0, 0, 1)}, true
	}
	return timeRange{}, false
}
