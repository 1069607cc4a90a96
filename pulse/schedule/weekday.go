package schedule

import (
	"sort"
	"strconv"
	"strings"

	"github.com/teranos/agentpulse/errors"
)

// Rule files number weekdays from Monday (0 = mon ... 6 = sun). robfig numbers
// them from Sunday, so the field is rewritten as names before it reaches the parser.
var ruleWeekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// cronWeekdays is robfig order, index = robfig day number
var cronWeekdays = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// translateDayOfWeek rewrites a day_of_week field (values, ranges, lists and
// steps, numeric or named) into robfig day names.
func translateDayOfWeek(field string) (string, error) {
	field = strings.ToLower(strings.TrimSpace(field))
	if field == "" || field == "*" || field == "?" {
		return field, nil
	}

	days := make(map[int]bool)
	for _, term := range strings.Split(field, ",") {
		if err := expandWeekdayTerm(strings.TrimSpace(term), days); err != nil {
			return "", errors.Wrapf(err, "cron: day_of_week %q", field)
		}
	}
	if len(days) == 7 {
		return "*", nil
	}

	cron := make([]int, 0, len(days))
	for d := range days {
		cron = append(cron, (d+1)%7)
	}
	sort.Ints(cron)

	// Contiguous runs become ranges: mon-fri stays mon-fri
	var parts []string
	for i := 0; i < len(cron); {
		j := i
		for j+1 < len(cron) && cron[j+1] == cron[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, cronWeekdays[cron[i]]+"-"+cronWeekdays[cron[j]])
		} else {
			parts = append(parts, cronWeekdays[cron[i]])
		}
		i = j + 1
	}
	return strings.Join(parts, ","), nil
}

func expandWeekdayTerm(term string, days map[int]bool) error {
	base, step := term, 1
	if i := strings.Index(term, "/"); i >= 0 {
		n, err := strconv.Atoi(term[i+1:])
		if err != nil || n <= 0 {
			return errors.Validationf("invalid step in %q", term)
		}
		base, step = term[:i], n
	}

	var first, last int
	switch {
	case base == "*":
		first, last = 0, 6
	case strings.Contains(base, "-"):
		lo, hi, _ := strings.Cut(base, "-")
		var err error
		if first, err = parseWeekday(lo); err != nil {
			return err
		}
		if last, err = parseWeekday(hi); err != nil {
			return err
		}
		if first > last {
			return errors.Validationf("range %q runs backwards (weeks start on monday)", base)
		}
	default:
		var err error
		if first, err = parseWeekday(base); err != nil {
			return err
		}
		last = first
		if step > 1 {
			// "2/2" means from wednesday on, every other day
			last = 6
		}
	}

	for d := first; d <= last; d += step {
		days[d] = true
	}
	return nil
}

func parseWeekday(s string) (int, error) {
	s = strings.TrimSpace(s)
	for i, name := range ruleWeekdays {
		if s == name {
			return i, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return 0, errors.Validationf("invalid weekday %q (0-6 from monday, or mon..sun)", s)
	}
	return n, nil
}
