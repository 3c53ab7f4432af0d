package ai

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		score   float64
	}{
		{name: "plain", raw: `{"is_compatible": true, "score": 0.85, "optimal_time": "lunch", "reasoning": "x"}`, score: 0.85},
		{name: "fenced", raw: "```json\n{\"is_compatible\": false, \"score\": 0}\n```", score: 0},
		{name: "score above one", raw: `{"is_compatible": true, "score": 1.2}`, wantErr: true},
		{name: "negative score", raw: `{"is_compatible": false, "score": -0.1}`, wantErr: true},
		{name: "missing flag", raw: `{"score": 0.5}`, wantErr: true},
		{name: "flag not bool", raw: `{"is_compatible": "yes", "score": 0.5}`, wantErr: true},
		{name: "missing score", raw: `{"is_compatible": true}`, wantErr: true},
		{name: "not json", raw: `sure, they match`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ParseVerdict(tc.raw)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidVerdict) {
					t.Fatalf("expected ErrInvalidVerdict, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Score != tc.score {
				t.Fatalf("score: got %v want %v", v.Score, tc.score)
			}
		})
	}
}

func TestBuildTimePromptIncludesInputs(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 5, 0, 0, time.UTC)
	p := buildTimePrompt("between 1:40pm and 2:00pm", "lunch", now)
	for _, want := range []string{`"between 1:40pm and 2:00pm"`, `"lunch"`, "12:05pm", "midpoint"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

// TestGeminiCompareTimesLive calls the real API; it only runs with GEMINI_API_KEY set.
func TestGeminiCompareTimesLive(t *testing.T) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		t.Skip("GEMINI_API_KEY not set; skipping live Gemini test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r, err := NewGeminiReasoner(ctx, key)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer r.Close()
	v, err := r.CompareTimes(ctx, "now", "asap", time.Now())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !v.IsCompatible {
		t.Fatalf("expected now/asap compatible, got %+v", v)
	}
}
