// README: Deterministic rule table for time compatibility; total over all inputs.
package timecompat

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type prefKind int

const (
	prefInvalid prefKind = iota
	prefImmediate
	prefMeal
	prefClock
)

type preference struct {
	kind   prefKind
	meal   meal
	minute int
	// tolerance in minutes for clock preferences.
	tolerance int
}

const (
	defaultTolerance = 15
	aroundTolerance  = 30
	maxTolerance     = 60
	dayMinutes       = 24 * 60
)

var (
	clockRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.?|p\.m\.?)?$`)
	rangeRe = regexp.MustCompile(`^(.+?)\s*(?:-|–|\bto\b|\band\b|\buntil\b)\s*(.+)$`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Evaluate decides compatibility of two canonical time strings. now anchors the
// immediate synonyms against clock times and meal windows; it must already be in
// the delivery timezone.
func Evaluate(a, b string, now time.Time) Result {
	pa, pb := parse(a), parse(b)
	if pa.kind == prefInvalid || pb.kind == prefInvalid {
		return Result{OptimalTime: a, Reasoning: "unrecognised time preference", Source: SourceRules}
	}
	nowMinute := now.Hour()*60 + now.Minute()

	switch {
	case pa.kind == prefImmediate && pb.kind == prefImmediate:
		return rules(true, 1.0, "now", "both want immediate delivery")
	case pa.kind == prefImmediate:
		return immediateAgainst(pb, nowMinute)
	case pb.kind == prefImmediate:
		return immediateAgainst(pa, nowMinute)
	case pa.kind == prefMeal && pb.kind == prefMeal:
		if pa.meal.name == pb.meal.name {
			return rules(true, 0.8, pa.meal.name, "same meal window")
		}
		return rules(false, 0, a, "different meal windows")
	case pa.kind == prefMeal:
		return mealAgainstClock(pa.meal, pb.minute)
	case pb.kind == prefMeal:
		return mealAgainstClock(pb.meal, pa.minute)
	default:
		return clockAgainstClock(pa, pb)
	}
}

func immediateAgainst(p preference, nowMinute int) Result {
	var r Result
	if p.kind == prefMeal {
		r = mealAgainstClock(p.meal, nowMinute)
	} else {
		r = clockAgainstClock(preference{kind: prefClock, minute: nowMinute, tolerance: defaultTolerance}, p)
		if r.IsCompatible {
			d := circularDistance(nowMinute, p.minute)
			if d > max(p.tolerance, defaultTolerance) {
				r.OptimalTime = formatClock(p.minute)
				r.Reasoning = "immediate request can wait for the scheduled time"
				return r
			}
		}
	}
	if r.IsCompatible {
		r.OptimalTime = "now"
		r.Reasoning = "scheduled time is close to now"
	}
	return r
}

func mealAgainstClock(m meal, minute int) Result {
	if minute >= m.start && minute <= m.end {
		centre := float64(m.start+m.end) / 2
		half := float64(m.end-m.start) / 2
		score := 0.9 - 0.2*math.Abs(float64(minute)-centre)/half
		return rules(true, score, formatClock(minute), fmt.Sprintf("inside the %s window", m.name))
	}
	edge, d := m.start, m.start-minute
	if minute > m.end {
		edge, d = m.end, minute-m.end
	}
	if d <= defaultTolerance {
		return rules(true, 0.6, formatClock(edge), fmt.Sprintf("just outside the %s window", m.name))
	}
	return rules(false, 0, formatClock(minute), fmt.Sprintf("outside the %s window", m.name))
}

func clockAgainstClock(a, b preference) Result {
	d := circularDistance(a.minute, b.minute)
	tol := max(a.tolerance, b.tolerance)
	score := round2(clockScore(d, tol))
	optimal := formatClock(midpoint(a.minute, b.minute))
	if score < CompatibleFloor {
		return rules(false, score, optimal, fmt.Sprintf("%d minutes apart", d))
	}
	return rules(true, score, optimal, fmt.Sprintf("%d minutes apart", d))
}

// clockScore decays from 1.0 at zero distance to 0.9 at the tolerance edge,
// 0.5 at one hour and 0.3 at two hours; beyond two hours it is zero.
func clockScore(d, tol int) float64 {
	switch {
	case d <= tol:
		return 1.0 - 0.1*float64(d)/float64(tol)
	case d <= 60:
		return 0.9 - 0.4*float64(d-tol)/float64(60-tol)
	case d <= 120:
		return 0.5 - 0.2*float64(d-60)/60
	default:
		return 0
	}
}

func rules(ok bool, score float64, optimal, why string) Result {
	return Result{
		IsCompatible: ok,
		Score:        round2(score),
		OptimalTime:  optimal,
		Reasoning:    why,
		Source:       SourceRules,
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func parse(raw string) preference {
	s := normalize(raw)
	if s == "" {
		return preference{}
	}
	if immediateWords[s] {
		return preference{kind: prefImmediate}
	}
	if name, ok := mealSynonyms[s]; ok {
		return preference{kind: prefMeal, meal: meals[name]}
	}

	tolerance := defaultTolerance
	for _, prefix := range []string{"around ", "about ", "approximately ", "approx ", "~"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
			tolerance = aroundTolerance
			break
		}
	}
	if name, ok := mealSynonyms[s]; ok {
		return preference{kind: prefMeal, meal: meals[name]}
	}

	if h, m, mer, ok := clockParts(s); ok {
		if minute, ok := toMinute(h, m, mer); ok {
			return preference{kind: prefClock, minute: minute, tolerance: tolerance}
		}
		return preference{}
	}

	for _, prefix := range []string{"between ", "from "} {
		s = strings.TrimPrefix(s, prefix)
	}
	if m := rangeRe.FindStringSubmatch(s); m != nil {
		h1, m1, mer1, ok1 := clockParts(strings.TrimSpace(m[1]))
		h2, m2, mer2, ok2 := clockParts(strings.TrimSpace(m[2]))
		if !ok1 || !ok2 {
			return preference{}
		}
		end, okEnd := toMinute(h2, m2, mer2)
		if !okEnd {
			return preference{}
		}
		var start int
		var okStart bool
		if mer1 == "" && mer2 != "" && h1 >= 1 && h1 <= 12 {
			// The trailing am/pm is shared unless that would put the start after the end ("11-1pm").
			start, okStart = toMinute(h1, m1, mer2)
			if start > end {
				start, okStart = toMinute(h1, m1, flip(mer2))
			}
		} else {
			start, okStart = toMinute(h1, m1, mer1)
		}
		if !okStart {
			return preference{}
		}
		if end < start {
			end += dayMinutes
		}
		half := (end - start) / 2
		return preference{
			kind:      prefClock,
			minute:    (start + half) % dayMinutes,
			tolerance: min(max(half, tolerance), maxTolerance),
		}
	}
	return preference{}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?")
	s = spaceRe.ReplaceAllString(s, " ")
	s = strings.TrimPrefix(s, "at ")
	s = strings.TrimSuffix(s, " today")
	return s
}

func clockParts(s string) (hour, minute int, meridiem string, ok bool) {
	m := clockRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, "", false
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	meridiem = strings.ReplaceAll(m[3], ".", "")
	return hour, minute, meridiem, true
}

// toMinute converts clock parts to minutes after midnight. Without am/pm,
// hours 1 through 7 are read as pm.
func toMinute(hour, minute int, meridiem string) (int, bool) {
	if minute > 59 {
		return 0, false
	}
	switch meridiem {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		hour %= 12
		if meridiem == "pm" {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, false
		}
		if hour >= 1 && hour <= 7 {
			hour += 12
		}
	}
	return hour*60 + minute, true
}

func circularDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	return min(d, dayMinutes-d)
}

func midpoint(a, b int) int {
	if a > b {
		a, b = b, a
	}
	if b-a > dayMinutes/2 {
		a += dayMinutes
	}
	return ((a + b) / 2) % dayMinutes
}

func formatClock(minute int) string {
	minute = ((minute % dayMinutes) + dayMinutes) % dayMinutes
	h, m := minute/60, minute%60
	suffix := "am"
	if h >= 12 {
		suffix = "pm"
	}
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	if m == 0 {
		return fmt.Sprintf("%d%s", h12, suffix)
	}
	return fmt.Sprintf("%d:%02d%s", h12, m, suffix)
}

func flip(meridiem string) string {
	if meridiem == "pm" {
		return "am"
	}
	return "pm"
}
