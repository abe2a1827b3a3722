package templates

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/knowmap/backend/internal/models"
)

// ErrRenderFailed means a template could not be turned into a concrete
// question (unresolved placeholders, malformed body). Selection treats it as
// a per-template failure and moves on rather than aborting the batch.
var ErrRenderFailed = errors.New("templates: render failed")

var placeholderPattern = regexp.MustCompile(`\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

// Rendered is a concrete question instance produced from a template plus one
// sampled parameter assignment.
type Rendered struct {
	QuestionText  string
	Answers       []string // answer options in presentation order, correct included
	CorrectAnswer string
	Feedback      string
}

// Render substitutes the parameter values into the template body, answers,
// and feedback, and shuffles the answer options. Any placeholder left
// unresolved fails the render.
func Render(tpl *models.QuestionTemplate, params map[string]string, rng *rand.Rand) (*Rendered, error) {
	question, err := substitute(tpl.Body, params)
	if err != nil {
		return nil, fmt.Errorf("template %d body: %w", tpl.ID, err)
	}
	correct, err := substitute(tpl.CorrectAnswer, params)
	if err != nil {
		return nil, fmt.Errorf("template %d correct answer: %w", tpl.ID, err)
	}

	answers := make([]string, 0, len(tpl.Distractors)+1)
	answers = append(answers, correct)
	for i, d := range tpl.Distractors {
		sub, err := substitute(d, params)
		if err != nil {
			return nil, fmt.Errorf("template %d distractor %d: %w", tpl.ID, i, err)
		}
		if sub == correct {
			return nil, fmt.Errorf("template %d: %w: distractor %d equals correct answer", tpl.ID, ErrRenderFailed, i)
		}
		answers = append(answers, sub)
	}
	rng.Shuffle(len(answers), func(i, j int) { answers[i], answers[j] = answers[j], answers[i] })

	// Feedback placeholders are tolerated; feedback is advisory text only.
	feedback := substituteLoose(tpl.Feedback, params)

	return &Rendered{
		QuestionText:  question,
		Answers:       answers,
		CorrectAnswer: correct,
		Feedback:      feedback,
	}, nil
}

func substitute(text string, params map[string]string) (string, error) {
	out := substituteLoose(text, params)
	if leftover := placeholderPattern.FindString(out); leftover != "" {
		return "", fmt.Errorf("%w: unresolved placeholder %s", ErrRenderFailed, leftover)
	}
	return out, nil
}

func substituteLoose(text string, params map[string]string) string {
	for name, value := range params {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}
