package timecompat

import (
	"testing"
	"time"
)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestEvaluateTable(t *testing.T) {
	tests := []struct {
		a, b    string
		ok      bool
		score   float64
		optimal string
	}{
		{"now", "asap", true, 1.0, "now"},
		{"Immediately", "soon", true, 1.0, "now"},
		{"lunch", "noon", true, 0.8, "lunch"},
		{"dinner", "evening", true, 0.8, "dinner"},
		{"lunch", "dinner", false, 0, "lunch"},
		{"lunch", "12:30pm", true, 0.9, "12:30pm"},
		{"11:30am", "lunch", true, 0.7, "11:30am"},
		{"lunch", "11:20am", true, 0.6, "11:30am"},
		{"lunch", "3pm", false, 0, "3pm"},
		{"1pm", "1:10pm", true, 0.93, "1:05pm"},
		{"1pm", "1:15pm", true, 0.9, "1:07pm"},
		{"1pm", "2pm", true, 0.5, "1:30pm"},
		{"1pm", "2:30pm", false, 0.4, "1:45pm"},
		{"1pm", "3:30pm", false, 0, "2:15pm"},
		{"around 1pm", "1:25pm", true, 0.92, "1:12pm"},
		{"1:40 p.m.", "1:40pm", true, 1.0, "1:40pm"},
		{"11:50pm", "12:05am", true, 1.0 - 0.1, "11:57pm"},
	}
	for _, tc := range tests {
		t.Run(tc.a+"|"+tc.b, func(t *testing.T) {
			got := Evaluate(tc.a, tc.b, noon)
			if got.IsCompatible != tc.ok || got.Score != tc.score || got.OptimalTime != tc.optimal {
				t.Fatalf("got {%v %v %q}, want {%v %v %q}", got.IsCompatible, got.Score, got.OptimalTime, tc.ok, tc.score, tc.optimal)
			}
			if got.Source != SourceRules {
				t.Fatalf("expected rules source, got %s", got.Source)
			}
		})
	}
}

func TestEvaluateRangeUsesMidpoint(t *testing.T) {
	got := Evaluate("between 1:40pm and 2:00pm", "between 1:40pm and 2:00pm", noon)
	if !got.IsCompatible || got.OptimalTime != "1:50pm" {
		t.Fatalf("expected midpoint 1:50pm, got %+v", got)
	}

	got = Evaluate("11-1pm", "12pm", noon)
	if !got.IsCompatible || got.Score != 1.0 || got.OptimalTime != "12pm" {
		t.Fatalf("expected range across noon to centre on 12pm, got %+v", got)
	}

	got = Evaluate("11:30-12:30pm", "noon", noon)
	if !got.IsCompatible || got.OptimalTime != "12pm" {
		t.Fatalf("expected 12pm inside lunch, got %+v", got)
	}
}

func TestEvaluateImmediateAgainstScheduled(t *testing.T) {
	got := Evaluate("now", "12:10pm", noon)
	if !got.IsCompatible || got.OptimalTime != "now" {
		t.Fatalf("expected near clock time to merge into now, got %+v", got)
	}
	got = Evaluate("12:45pm", "asap", noon)
	if !got.IsCompatible || got.OptimalTime != "12:45pm" || got.Score != 0.63 {
		t.Fatalf("expected wait for 12:45pm at 0.63, got %+v", got)
	}
	got = Evaluate("now", "6pm", noon)
	if got.IsCompatible {
		t.Fatalf("expected now vs 6pm incompatible, got %+v", got)
	}
	got = Evaluate("now", "lunch", noon)
	if !got.IsCompatible || got.OptimalTime != "now" || got.Score != 0.8 {
		t.Fatalf("expected now inside lunch window, got %+v", got)
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	for _, pair := range [][2]string{
		{"whenever", "now"},
		{"now", ""},
		{"25:00", "1pm"},
		{"13pm", "1pm"},
		{"1:75pm", "1pm"},
		{"between lunch and dinner", "lunch"},
	} {
		got := Evaluate(pair[0], pair[1], noon)
		if got.IsCompatible || got.Score != 0 {
			t.Errorf("%q vs %q: expected fail closed, got %+v", pair[0], pair[1], got)
		}
		if got.OptimalTime != pair[0] {
			t.Errorf("%q vs %q: expected optimal to echo first input, got %q", pair[0], pair[1], got.OptimalTime)
		}
	}
}

func TestEvaluateSymmetric(t *testing.T) {
	inputs := []string{"now", "asap", "lunch", "dinner", "breakfast", "12:30pm", "1pm", "2:15pm", "around 6pm", "between 1:40pm and 2:00pm", "7", "junk"}
	for _, a := range inputs {
		for _, b := range inputs {
			ab := Evaluate(a, b, noon)
			ba := Evaluate(b, a, noon)
			if ab.IsCompatible != ba.IsCompatible || ab.Score != ba.Score {
				t.Errorf("%q/%q asymmetric: %+v vs %+v", a, b, ab, ba)
			}
			if ab.Score < 0 || ab.Score > 1 {
				t.Errorf("%q/%q score out of range: %v", a, b, ab.Score)
			}
		}
	}
}

func TestImmediate(t *testing.T) {
	for _, s := range []string{"now", "ASAP", "soon!", "right now", " immediately "} {
		if !Immediate(s) {
			t.Errorf("expected %q immediate", s)
		}
	}
	for _, s := range []string{"lunch", "1pm", "not now"} {
		if Immediate(s) {
			t.Errorf("expected %q scheduled", s)
		}
	}
}
