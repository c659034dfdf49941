package judge

import (
	"strings"
	"testing"
)

func TestParseVerdict_StrictJSON(t *testing.T) {
	v, err := ParseVerdict(`{"winnerIndex": 1, "reason": "cleaner diff"}`, 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.WinnerIndex != 1 || v.Reason != "cleaner diff" {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestParseVerdict_SalvagesFencedBlock(t *testing.T) {
	raw := "Looking at both candidates, the second one handles edge cases better.\n\n" +
		"```json\n{\"winnerIndex\": 1, \"reason\": \"handles edge cases\"}\n```\n"
	v, err := ParseVerdict(raw, 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.WinnerIndex != 1 || v.Reason != "handles edge cases" {
		t.Fatalf("verdict = %+v", v)
	}
	if v.Raw != raw {
		t.Fatal("raw response must be preserved for the audit record")
	}
}

func TestParseVerdict_SalvagesInlineObject(t *testing.T) {
	raw := `My verdict: {"winnerIndex": 0, "reason": "only candidate with passing tests"} — final answer.`
	v, err := ParseVerdict(raw, 3)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.WinnerIndex != 0 {
		t.Fatalf("winnerIndex = %d", v.WinnerIndex)
	}
}

func TestParseVerdict_NestedBracesInReason(t *testing.T) {
	raw := `{"winnerIndex": 0, "reason": "kept the {braces} and \"quotes\" intact"}`
	v, err := ParseVerdict(raw, 1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(v.Reason, "{braces}") {
		t.Fatalf("reason mangled: %q", v.Reason)
	}
}

func TestParseVerdict_Failures(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose only", "the second candidate wins"},
		{"missing reason", `{"winnerIndex": 1}`},
		{"index out of range", `{"winnerIndex": 5, "reason": "x"}`},
		{"negative index", `{"winnerIndex": -1, "reason": "x"}`},
		{"wrong types", `{"winnerIndex": "one", "reason": "x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseVerdict(tc.raw, 2); err == nil {
				t.Fatalf("expected parse failure for %q", tc.raw)
			}
		})
	}
}

func TestBuildPrompt_NamesEveryCandidate(t *testing.T) {
	prompt := BuildPrompt(Request{
		TaskDescription: "add retry logic",
		Candidates: []Candidate{
			{ID: "a", AgentName: "claude-code", Artifact: "diff-a"},
			{ID: "b", AgentName: "codex", Artifact: "diff-b", LogTail: "ok"},
		},
	})
	for _, want := range []string{"add retry logic", "claude-code", "codex", "diff-a", "diff-b", "winnerIndex"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestStaticJudge_RangeCheck(t *testing.T) {
	j := &StaticJudge{WinnerIndex: 2}
	if _, err := j.Score(t.Context(), Request{Candidates: []Candidate{{}, {}}}); err == nil {
		t.Fatal("out-of-range static index should error")
	}
	j.WinnerIndex = 1
	v, err := j.Score(t.Context(), Request{Candidates: []Candidate{{}, {}}})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if v.WinnerIndex != 1 {
		t.Fatalf("winnerIndex = %d", v.WinnerIndex)
	}
}
