package sched

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func TestScoreFactors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		payload   any
		code      bool
		reasoning bool
		minScore  float64
		maxScore  float64
	}{
		{name: "greeting", payload: map[string]any{"prompt": "hello there"}, maxScore: 0.05},
		{name: "code", payload: map[string]any{"prompt": "fix:\n```\nx := 1\n```"}, code: true, minScore: 0.25, maxScore: 0.3},
		{name: "reasoning", payload: "Please explain the tradeoff", reasoning: true, minScore: 0.25, maxScore: 0.3},
		{name: "both", payload: "Analyze this: def run(x): pass", code: true, reasoning: true, minScore: 0.5},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := Score(tc.payload, nil)
			if a.Factors.HasCode != tc.code || a.Factors.HasReasoning != tc.reasoning {
				t.Fatalf("factors = %+v", a.Factors)
			}
			if a.Score < tc.minScore || (tc.maxScore > 0 && a.Score > tc.maxScore) {
				t.Fatalf("score = %v, want in [%v, %v]", a.Score, tc.minScore, tc.maxScore)
			}
		})
	}
}

func TestScoreSaturatesAndCaps(t *testing.T) {
	t.Parallel()

	msgs := make([]map[string]string, 40)
	for i := range msgs {
		msgs[i] = map[string]string{"role": "user", "content": strings.Repeat("why ", 500) + "```"}
	}
	a := Score(map[string]any{"messages": msgs}, nil)
	if math.Abs(a.Score-1) > 1e-9 {
		t.Fatalf("score = %v, want 1", a.Score)
	}
	if a.Factors.Depth != 40 {
		t.Fatalf("depth = %d, want 40", a.Factors.Depth)
	}
	if a.Factors.EstimatedTokens < tokenSaturation {
		t.Fatalf("tokens = %d, want >= %d", a.Factors.EstimatedTokens, tokenSaturation)
	}
}

func TestScoreEmptyPayload(t *testing.T) {
	t.Parallel()

	if a := Score(nil, nil); a.Score != 0 {
		t.Fatalf("Score(nil) = %+v", a)
	}
}

func TestAnalyzerMemoizesPerFingerprint(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	an := NewAnalyzer(10, time.Hour, nil, clock.Now)

	first := an.Analyze("fp", "explain this")
	// Same fingerprint, different payload: the memo wins until it expires.
	if got := an.Analyze("fp", "hi"); got != first {
		t.Fatalf("memoized analysis = %+v, want %+v", got, first)
	}
	clock.Advance(time.Hour)
	if got := an.Analyze("fp", "hi"); got == first {
		t.Fatal("analysis served after the memo TTL")
	}
	if got := an.Analyze("", "explain this"); got != first {
		t.Fatalf("unmemoized analysis = %+v, want %+v", got, first)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	t.Parallel()

	volatile := []string{"request_id", "timestamp"}
	a, err := Fingerprint(map[string]any{"model": "m", "prompt": "p", "request_id": "1"}, volatile)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint(json.RawMessage(`{ "prompt": "p", "timestamp": 99, "model": "m" }`), volatile)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || len(a) != 16 {
		t.Fatalf("fingerprints differ: %q vs %q", a, b)
	}

	type prompt struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	c, err := Fingerprint(prompt{Model: "m", Prompt: "p"}, volatile)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatalf("struct fingerprint %q, want %q", c, a)
	}

	d, _ := Fingerprint(map[string]any{"model": "m", "prompt": "other"}, volatile)
	if d == a {
		t.Fatal("different payloads share a fingerprint")
	}
	if e, _ := Fingerprint(nil, volatile); e != "" {
		t.Fatalf("Fingerprint(nil) = %q, want empty", e)
	}
	if _, err := Fingerprint(func() {}, volatile); err == nil {
		t.Fatal("Fingerprint accepted an unmarshalable payload")
	}
}
