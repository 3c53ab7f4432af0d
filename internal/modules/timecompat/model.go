// README: Time compatibility decision types and the canonical time vocabulary.
package timecompat

import "errors"

// ErrUnparsable is returned by Resolve when a time string is outside the canonical vocabulary.
var ErrUnparsable = errors.New("unparsable time preference")

// Result is the decision for a pair of time preferences.
type Result struct {
	IsCompatible bool
	Score        float64
	// OptimalTime is the merged canonical time string the group should use.
	OptimalTime string
	Reasoning   string
	// Source is "rules" or "reasoner".
	Source string
}

const (
	SourceRules    = "rules"
	SourceReasoner = "reasoner"
)

// CompatibleFloor is the score at or above which two clock-based preferences share a group.
const CompatibleFloor = 0.5

// Immediate reports whether s is one of the immediate-delivery synonyms.
func Immediate(s string) bool {
	p := parse(s)
	return p.kind == prefImmediate
}

var immediateWords = map[string]bool{
	"now":                 true,
	"asap":                true,
	"soon":                true,
	"immediately":         true,
	"right now":           true,
	"right away":          true,
	"as soon as possible": true,
}

type meal struct {
	name   string
	start  int
	end    int
	anchor int
}

// Minutes after midnight. anchor is where Resolve places a bare meal name.
var meals = map[string]meal{
	"breakfast":  {name: "breakfast", start: 7 * 60, end: 10*60 + 30, anchor: 9 * 60},
	"lunch":      {name: "lunch", start: 11*60 + 30, end: 13*60 + 30, anchor: 12 * 60},
	"dinner":     {name: "dinner", start: 17*60 + 30, end: 20*60 + 30, anchor: 18 * 60},
	"late night": {name: "late night", start: 21 * 60, end: 23*60 + 59, anchor: 21 * 60},
}

var mealSynonyms = map[string]string{
	"breakfast":  "breakfast",
	"morning":    "breakfast",
	"lunch":      "lunch",
	"lunchtime":  "lunch",
	"noon":       "lunch",
	"midday":     "lunch",
	"dinner":     "dinner",
	"supper":     "dinner",
	"evening":    "dinner",
	"tonight":    "dinner",
	"night":      "dinner",
	"late night": "late night",
	"late-night": "late night",
	"latenight":  "late night",
}
