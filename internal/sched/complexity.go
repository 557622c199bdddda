package sched

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"
)

// Scoring weights. The score is their sum, capped at 1.0.
const (
	tokenWeight     = 0.3
	tokenSaturation = 4000 // estimated tokens at which tokenWeight is fully applied
	depthWeight     = 0.2
	depthSaturation = 20 // messages at which depthWeight is fully applied
	codeWeight      = 0.25
	reasoningWeight = 0.25

	charsPerToken = 4
)

var (
	codePattern = regexp.MustCompile("```|\\bfunc\\s+\\w+\\s*\\(|\\bdef\\s+\\w+\\s*\\(|\\bclass\\s+\\w+|\\bimport\\s+[\\w\"]|#include\\s*<|=>|\\bSELECT\\b.+\\bFROM\\b")

	reasoningWords = []string{"explain", "analyze", "analyse", "why", "compare", "reason", "step by step", "prove", "evaluate", "tradeoff", "trade-off", "design"}
)

// Factors are the inputs that produced a score.
type Factors struct {
	EstimatedTokens int  `json:"estimated_tokens"`
	Depth           int  `json:"depth"`
	HasCode         bool `json:"has_code"`
	HasReasoning    bool `json:"has_reasoning"`
}

// Analysis is the complexity verdict for one payload.
type Analysis struct {
	Score   float64 `json:"score"`
	Factors Factors `json:"factors"`
}

// Analyzer scores payloads and memoizes results per fingerprint with its own
// TTL. Not safe for concurrent use; the scheduler serializes access.
type Analyzer struct {
	memo     *ttlCache
	volatile []string
}

func NewAnalyzer(maxEntries int, ttl time.Duration, volatile []string, now func() time.Time) *Analyzer {
	return &Analyzer{memo: newTTLCache(maxEntries, ttl, now), volatile: volatile}
}

// Analyze returns the memoized analysis for fingerprint, computing it on a miss.
// An empty fingerprint skips the memo.
func (a *Analyzer) Analyze(fingerprint string, payload any) Analysis {
	if fingerprint != "" {
		if v, ok := a.memo.get(fingerprint); ok {
			return v.(Analysis)
		}
	}
	res := Score(payload, a.volatile)
	if fingerprint != "" {
		a.memo.set(fingerprint, res)
	}
	return res
}

func (a *Analyzer) Prune() int { return a.memo.prune() }

// Score is the pure scoring function behind Analyzer.
func Score(payload any, volatile []string) Analysis {
	b, err := canonicalJSON(payload, volatile)
	if err != nil || len(b) == 0 {
		return Analysis{}
	}
	text := string(b)

	f := Factors{
		EstimatedTokens: int(math.Ceil(float64(len(text)) / charsPerToken)),
		Depth:           messageDepth(b),
		HasCode:         codePattern.MatchString(text),
		HasReasoning:    containsAny(strings.ToLower(text), reasoningWords),
	}

	score := tokenWeight * math.Min(float64(f.EstimatedTokens)/tokenSaturation, 1)
	score += depthWeight * math.Min(float64(f.Depth)/depthSaturation, 1)
	if f.HasCode {
		score += codeWeight
	}
	if f.HasReasoning {
		score += reasoningWeight
	}
	if score > 1 {
		score = 1
	}
	return Analysis{Score: score, Factors: f}
}

// messageDepth counts entries of a top-level "messages" array; a bare JSON array
// counts its elements; anything else is depth 1.
func messageDepth(b []byte) int {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err == nil {
		if raw, ok := obj["messages"]; ok {
			var msgs []json.RawMessage
			if json.Unmarshal(raw, &msgs) == nil {
				return len(msgs)
			}
		}
		return 1
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err == nil {
		return len(arr)
	}
	return 1
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
