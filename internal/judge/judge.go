// Package judge is the oracle that compares candidate run outputs and picks
// a winner. The production implementation calls an LLM through Genkit; tests
// use the deterministic StaticJudge.
package judge

import (
	"context"
	"fmt"
	"strings"
)

// Candidate is one completed run presented to the judge.
type Candidate struct {
	ID        string `json:"id"`
	AgentName string `json:"agentName"`
	Artifact  string `json:"artifact"`
	LogTail   string `json:"logTail"`
}

// Request is the comparison request sent to the oracle.
type Request struct {
	TaskDescription string      `json:"taskDescription"`
	Candidates      []Candidate `json:"candidates"`
}

// Verdict is the oracle's decision. WinnerIndex indexes into
// Request.Candidates.
type Verdict struct {
	WinnerIndex int    `json:"winnerIndex"`
	Reason      string `json:"reason"`

	// Raw is the unparsed oracle output, kept for the audit record.
	Raw string `json:"-"`
}

// Judge scores a comparison request and returns a verdict. Implementations
// may fail with network or parse errors; callers treat any error as a judge
// failure, not a retryable condition.
type Judge interface {
	Score(ctx context.Context, req Request) (*Verdict, error)
}

// BuildPrompt renders the comparison request as the evaluation prompt. The
// prompt is persisted verbatim on the evaluation record.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are judging the work of several AI coding agents that attempted the same task.\n")
	b.WriteString("Pick the single best result.\n\n")
	b.WriteString("Task:\n")
	b.WriteString(req.TaskDescription)
	b.WriteString("\n\n")
	for i, c := range req.Candidates {
		fmt.Fprintf(&b, "--- Candidate %d (agent: %s) ---\n", i, c.AgentName)
		if c.Artifact != "" {
			b.WriteString("Diff:\n")
			b.WriteString(c.Artifact)
			b.WriteString("\n")
		} else {
			b.WriteString("Diff: (empty)\n")
		}
		if c.LogTail != "" {
			b.WriteString("Log tail:\n")
			b.WriteString(c.LogTail)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Respond with a JSON object: {\"winnerIndex\": <0-%d>, \"reason\": \"<one sentence>\"}\n", len(req.Candidates)-1)
	return b.String()
}

// StaticJudge always picks the configured index. Used in tests and as a
// fallback wiring target when no LLM provider is configured.
type StaticJudge struct {
	WinnerIndex int
	Reason      string
	Err         error
}

func (j *StaticJudge) Score(_ context.Context, req Request) (*Verdict, error) {
	if j.Err != nil {
		return nil, j.Err
	}
	if j.WinnerIndex < 0 || j.WinnerIndex >= len(req.Candidates) {
		return nil, fmt.Errorf("static winner index %d out of range for %d candidates", j.WinnerIndex, len(req.Candidates))
	}
	reason := j.Reason
	if reason == "" {
		reason = "selected by static judge"
	}
	return &Verdict{
		WinnerIndex: j.WinnerIndex,
		Reason:      reason,
		Raw:         fmt.Sprintf(`{"winnerIndex": %d, "reason": %q}`, j.WinnerIndex, reason),
	}, nil
}
