// Package suggest scores prompts and proposes improvements with cheap
// local heuristics. No model call is involved.
package suggest

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Tips are general prompt-writing guidelines, independent of any
// particular prompt.
var Tips = []string{
	"Add concrete background (who, what, when, where)",
	"State the expected output format (list, JSON, table, ...)",
	"Pin down tone and style (formal, playful, technical, ...)",
	"Include an example that clarifies the ask",
	"Bound the length or depth of the answer",
	"Ask for step-by-step reasoning",
}

// GoodPrompt is returned as the sole suggestion when no heuristic fires.
const GoodPrompt = "Prompt looks good!"

var (
	punctuation = regexp.MustCompile(`[，。、；：,.;:]`)
	contextual  = regexp.MustCompile(`背景|假设|场景|(?i:context|background|scenario|assume)`)
	formatHint  = regexp.MustCompile(`格式|形式|输出|(?i:format|output)`)
)

func hasQuestion(text string) bool {
	return strings.Contains(text, "?") || strings.Contains(text, "？")
}

// Analyze returns prompt-specific suggestions, or a single all-clear
// entry when nothing stands out.
func Analyze(text string) []string {
	var tips []string

	if utf8.RuneCountInString(text) < 10 {
		tips = append(tips, "The prompt is very short; add more detail")
	}
	if !hasQuestion(text) {
		tips = append(tips, "Phrase the prompt as a question to get a clearer answer")
	}
	if len(strings.Fields(text)) < 3 {
		tips = append(tips, "Too few keywords; enrich the prompt with descriptive terms")
	}
	if !punctuation.MatchString(text) {
		tips = append(tips, "Use punctuation to separate the parts of the prompt")
	}
	if !contextual.MatchString(text) {
		tips = append(tips, "Add background context, such as an assumed scenario")
	}

	if len(tips) == 0 {
		return []string{GoodPrompt}
	}
	return tips
}

// Template rewrites the prompt into a structured fill-in scaffold.
func Template(text string) string {
	return fmt.Sprintf(`Answer using the following structure:

[Task]
%s

[Background]
(provide the relevant background)

[Expected output format]
(bullet list, JSON, table, ...)

[Constraints]
(any limits that apply)`, text)
}

// Score rates prompt quality from 0 to 100. The baseline is 50; length,
// a question form, background context and an explicit output format each
// add points.
func Score(text string) int {
	score := 50

	n := utf8.RuneCountInString(text)
	if n > 20 {
		score += 10
	}
	if n > 50 {
		score += 10
	}
	if hasQuestion(text) {
		score += 10
	}
	if contextual.MatchString(text) {
		score += 10
	}
	if formatHint.MatchString(text) {
		score += 10
	}

	return min(score, 100)
}

// Result bundles everything Optimize produces for one prompt.
type Result struct {
	Suggestions []string `json:"suggestions"`
	Template    string   `json:"template"`
	Score       int      `json:"score"`
}

// Optimize analyzes, templates and scores the prompt in one pass.
func Optimize(text string) Result {
	return Result{
		Suggestions: Analyze(text),
		Template:    Template(text),
		Score:       Score(text),
	}
}
