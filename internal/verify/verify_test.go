package verify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"agripulse.org/internal/ai"

	"github.com/shopspring/decimal"
)

type fakeAI struct {
	confidence int
	err        error
	calls      int
}

func (f *fakeAI) GenerateImage(context.Context, string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeAI) ScoreText(context.Context, ai.ScoreRequest) (ai.Score, error) {
	f.calls++
	if f.err != nil {
		return ai.Score{}, f.err
	}
	return ai.Score{Confidence: f.confidence, Justification: "test"}, nil
}

func goodInput() Input {
	return Input{
		ID:           "reg_1",
		FarmName:     "Olive Ridge",
		Location:     "Jenin",
		Description:  "Terraced olive groves with cover crops and drip irrigation.",
		CropCategory: "olives",
		Dunums:       200,
		Capacity:     500,
		PriceUSD:     decimal.RequireFromString("12.50"),
		Practices:    []string{"cover_cropping", "drip_irrigation", "no_till"},
	}
}

func TestEvaluateScenarios(t *testing.T) {
	cases := []struct {
		name       string
		ai         *fakeAI
		wantScore  int
		wantOK     bool
		wantStatus string
	}{
		{"high confidence approves", &fakeAI{confidence: 80}, 95, true, AIPassed},
		{"low confidence rejects", &fakeAI{confidence: 10}, 45, false, AIFlagged},
		{"ai failure skips penalty", &fakeAI{err: errors.New("timeout")}, 95, true, AISkipped},
		{"no ai", nil, 95, true, AIDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var svc ai.Service
			if tc.ai != nil {
				svc = tc.ai
			}
			d := New(svc, Options{}).Evaluate(context.Background(), goodInput())
			if d.Score != tc.wantScore || d.Approved != tc.wantOK || d.AIStatus != tc.wantStatus {
				t.Fatalf("got score=%d approved=%v ai=%s, want %d %v %s", d.Score, d.Approved, d.AIStatus, tc.wantScore, tc.wantOK, tc.wantStatus)
			}
			if d.Breakdown.Completeness != 25 || d.Breakdown.Practices != 40 || d.Breakdown.Plausibility != 30 {
				t.Fatalf("unexpected breakdown %+v", d.Breakdown)
			}
		})
	}
}

func TestPracticeBands(t *testing.T) {
	want := map[int]int{0: 0, 1: 15, 2: 25, 3: 40, 7: 40}
	for n, score := range want {
		if got := practiceScore(n); got != score {
			t.Fatalf("practiceScore(%d) = %d, want %d", n, got, score)
		}
	}
}

func TestRejectionReasonListsFailedChecks(t *testing.T) {
	in := goodInput()
	in.Description = "short"
	in.Practices = in.Practices[:1]
	in.PriceUSD = decimal.RequireFromString("0.5")
	d := New(nil, Options{}).Evaluate(context.Background(), in)
	// 15 + 15 + 20
	if d.Score != 50 || d.Approved {
		t.Fatalf("got %+v", d)
	}
	for _, frag := range []string{"description", "1 sustainable practices", "0.5 USD"} {
		if !strings.Contains(d.Reason, frag) {
			t.Fatalf("reason %q lacks %q", d.Reason, frag)
		}
	}
}

func TestAICanOnlyLowerScore(t *testing.T) {
	in := goodInput()
	in.Location = ""
	base := New(nil, Options{}).Evaluate(context.Background(), in)
	for _, c := range []int{0, 29, 30, 100} {
		d := New(&fakeAI{confidence: c}, Options{}).Evaluate(context.Background(), in)
		if d.Score > base.Score {
			t.Fatalf("confidence %d raised score %d -> %d", c, base.Score, d.Score)
		}
		if d.Approved != (d.Score >= 70) {
			t.Fatalf("approved flag inconsistent for %+v", d)
		}
	}
}

func TestCustomThreshold(t *testing.T) {
	e := New(nil, Options{Threshold: 96})
	if d := e.Evaluate(context.Background(), goodInput()); d.Approved {
		t.Fatalf("expected rejection at threshold 96, got %+v", d)
	}
	if e.Threshold() != 96 {
		t.Fatalf("threshold = %d", e.Threshold())
	}
}
