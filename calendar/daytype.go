package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DayType is the calendar class that selects a statistical baseline
type DayType int

const (
	Unknown  DayType = -1
	Sunday   DayType = 0
	Monday   DayType = 1
	Midweek  DayType = 2 // Tuesday to Thursday
	Friday   DayType = 5
	Saturday DayType = 6
	Holiday  DayType = 8
)

func (d DayType) String() string {
	switch d {
	case Sunday:
		return "sunday"
	case Monday:
		return "monday"
	case Midweek:
		return "midweek"
	case Friday:
		return "friday"
	case Saturday:
		return "saturday"
	case Holiday:
		return "holiday"
	default:
		return "unknown"
	}
}

// weekdayRules maps day_of_week (0 = Sunday) to a day type. Holidays are checked first.
// Both Classify and DayTypeCaseSQL are generated from this table.
var weekdayRules = []struct {
	days []int
	typ  DayType
}{
	{[]int{2, 3, 4}, Midweek},
	{[]int{5}, Friday},
	{[]int{6}, Saturday},
	{[]int{1}, Monday},
	{[]int{0}, Sunday},
}

// Classify returns the day type of a date given its day of week and holiday flag
func Classify(dayOfWeek int, holiday bool) DayType {
	if holiday {
		return Holiday
	}
	for _, r := range weekdayRules {
		for _, d := range r.days {
			if d == dayOfWeek {
				return r.typ
			}
		}
	}
	return Unknown
}

// ClassifyDate classifies a date directly
func ClassifyDate(t time.Time, holiday bool) DayType {
	return Classify(int(t.Weekday()), holiday)
}

// DayTypeCaseSQL renders the day type rule as a SQL CASE over the given columns
func DayTypeCaseSQL(dayOfWeekCol, holidayCol string) string {
	var b strings.Builder
	b.WriteString("CASE")
	fmt.Fprintf(&b, " WHEN %s THEN %d", holidayCol, Holiday)
	for _, r := range weekdayRules {
		days := make([]string, len(r.days))
		for i, d := range r.days {
			days[i] = fmt.Sprint(d)
		}
		if len(days) == 1 {
			fmt.Fprintf(&b, " WHEN %s = %s THEN %d", dayOfWeekCol, days[0], r.typ)
		} else {
			fmt.Fprintf(&b, " WHEN %s IN (%s) THEN %d", dayOfWeekCol, strings.Join(days, ", "), r.typ)
		}
	}
	fmt.Fprintf(&b, " ELSE %d END", Unknown)
	return b.String()
}

// YearsOf returns the distinct years touched by dates, ascending
func YearsOf(dates []time.Time) []int {
	set := map[int]bool{}
	for _, d := range dates {
		set[d.Year()] = true
	}
	years := make([]int, 0, len(set))
	for y := range set {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}
