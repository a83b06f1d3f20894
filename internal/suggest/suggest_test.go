package suggest

import (
	"strings"
	"testing"
)

func TestAnalyzeShortPrompt(t *testing.T) {
	tips := Analyze("hi")
	if len(tips) == 0 {
		t.Fatal("expected suggestions for a bare prompt")
	}

	joined := strings.Join(tips, "\n")
	for _, want := range []string{"very short", "question", "keywords", "punctuation", "background"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected a tip mentioning %q, got %v", want, tips)
		}
	}
}

func TestAnalyzeGoodPrompt(t *testing.T) {
	prompt := "Given the background of a small retail business, what inventory strategy would you recommend? Please answer as a bullet list."
	tips := Analyze(prompt)
	if len(tips) != 1 || tips[0] != GoodPrompt {
		t.Errorf("expected the all-clear suggestion, got %v", tips)
	}
}

func TestScoreBounds(t *testing.T) {
	if got := Score("hi"); got != 50 {
		t.Errorf("bare prompt should score the baseline 50, got %d", got)
	}

	rich := "Assume the scenario of a production incident. What is the likely root cause, and in what output format should the postmortem be written? Provide background for each step."
	if got := Score(rich); got != 100 {
		t.Errorf("rich prompt should cap at 100, got %d", got)
	}
}

func TestScoreIncrements(t *testing.T) {
	// Length over 20 runes plus a question mark: 50 + 10 + 10.
	if got := Score("what should I do about this?"); got != 70 {
		t.Errorf("expected 70, got %d", got)
	}
}

func TestScoreCountsRunes(t *testing.T) {
	// 21 CJK characters cross the length threshold even though the byte
	// count would have crossed it far earlier.
	text := strings.Repeat("好", 21)
	if got := Score(text); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
}

func TestTemplateEmbedsPrompt(t *testing.T) {
	got := Template("summarize this report")
	if !strings.Contains(got, "[Task]\nsummarize this report") {
		t.Errorf("template missing the task section: %q", got)
	}
	if !strings.Contains(got, "[Constraints]") {
		t.Errorf("template missing the constraints section: %q", got)
	}
}

func TestOptimize(t *testing.T) {
	res := Optimize("hello")
	if len(res.Suggestions) == 0 {
		t.Error("expected suggestions")
	}
	if res.Score < 0 || res.Score > 100 {
		t.Errorf("score out of range: %d", res.Score)
	}
	if !strings.Contains(res.Template, "hello") {
		t.Error("template should embed the prompt")
	}
}
