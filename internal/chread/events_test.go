package chread

import (
	"math"
	"testing"
)

func TestSafeFloat(t *testing.T) {
	if safeFloat(math.NaN()) != 0 {
		t.Error("NaN should become 0")
	}
	if safeFloat(math.Inf(1)) != 0 || safeFloat(math.Inf(-1)) != 0 {
		t.Error("Inf should become 0")
	}
	if safeFloat(12.5) != 12.5 {
		t.Error("finite values must pass through")
	}
}

func TestSummarize(t *testing.T) {
	s := summarize(10, 6, 3)
	if s.Total != 10 || s.Allowed != 6 || s.Blocked != 4 || s.NeedsReview != 3 {
		t.Errorf("summary = %+v", s)
	}
	if s.ReviewRate != 0.3 {
		t.Errorf("review rate = %v, want 0.3", s.ReviewRate)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := summarize(0, 0, 0)
	if s.ReviewRate != 0 || s.Blocked != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestClampDays(t *testing.T) {
	cases := map[int]int{-3: 1, 0: 1, 1: 1, 7: 7, 90: 90, 365: MaxDays}
	for in, want := range cases {
		if got := ClampDays(in); got != want {
			t.Errorf("ClampDays(%d) = %d, want %d", in, got, want)
		}
	}
}
