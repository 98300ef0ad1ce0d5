package recall

import (
	"fmt"
	"regexp"
	"strings"
)

type triggerSet struct {
	phrases  []string
	patterns []*regexp.Regexp
}

func compileTriggers(t Triggers) (*triggerSet, error) {
	ts := &triggerSet{}
	for _, p := range t.Phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			ts.phrases = append(ts.phrases, p)
		}
	}
	for _, expr := range t.Patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("trigger pattern %q: %w", expr, err)
		}
		ts.patterns = append(ts.patterns, re)
	}
	return ts, nil
}

// match returns the trigger the query fired, if any.
func (ts *triggerSet) match(query string) (string, bool) {
	lower := strings.ToLower(query)
	for _, p := range ts.phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	for _, re := range ts.patterns {
		if re.MatchString(query) {
			return re.String(), true
		}
	}
	return "", false
}
