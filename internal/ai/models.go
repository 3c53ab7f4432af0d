package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidVerdict = errors.New("invalid time verdict")

// TimeVerdict captures the structured output from the model.
type TimeVerdict struct {
	IsCompatible bool    `json:"is_compatible"`
	Score        float64 `json:"score"`
	// OptimalTime is the merged time in the same vocabulary as the inputs ("now", "lunch", "1:30pm").
	OptimalTime string `json:"optimal_time"`
	Reasoning   string `json:"reasoning"`
}

// rawVerdict keeps is_compatible optional so a missing field is caught rather than read as false.
type rawVerdict struct {
	IsCompatible *bool   `json:"is_compatible"`
	Score        *float64 `json:"score"`
	OptimalTime  string   `json:"optimal_time"`
	Reasoning    string   `json:"reasoning"`
}

// ParseVerdict decodes and validates a model response.
func ParseVerdict(raw string) (*TimeVerdict, error) {
	var rv rawVerdict
	if err := json.Unmarshal([]byte(cleanJSONString(raw)), &rv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	if rv.IsCompatible == nil {
		return nil, fmt.Errorf("%w: is_compatible missing", ErrInvalidVerdict)
	}
	if rv.Score == nil || *rv.Score < 0 || *rv.Score > 1 {
		return nil, fmt.Errorf("%w: score outside [0,1]", ErrInvalidVerdict)
	}
	return &TimeVerdict{
		IsCompatible: *rv.IsCompatible,
		Score:        *rv.Score,
		OptimalTime:  strings.TrimSpace(rv.OptimalTime),
		Reasoning:    rv.Reasoning,
	}, nil
}

// cleanJSONString removes markdown code blocks if present (e.g. ```json ... ```)
func cleanJSONString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	return strings.TrimSpace(input)
}
