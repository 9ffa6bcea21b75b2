// Package intent classifies caller speech into coarse intents for the
// routing layer. Three modes are supported: a mock for tests, a
// keyword matcher, and an external command speaking JSON on stdio.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/faults"
)

// Result is a classified utterance.
type Result struct {
	PrimaryIntent string  `json:"primary_intent"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// Classifier turns an utterance into an intent label.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// IntentGeneralQuestion is the fallback when nothing matches.
const IntentGeneralQuestion = "general_question"

// NewClassifier builds the classifier the config asks for.
func NewClassifier(cfg config.IntentConfig) (Classifier, error) {
	switch cfg.Mode {
	case "mock":
		return &MockClassifier{}, nil
	case "keyword":
		return NewKeywordClassifier(cfg.Keywords), nil
	case "exec":
		return NewExecClassifier(cfg.Command)
	}
	return nil, fmt.Errorf("intent mode %q: %w", cfg.Mode, faults.ErrConfiguration)
}

// MockClassifier returns a fixed intent, general_question unless
// overridden. Used in tests and mock deployments.
type MockClassifier struct {
	Intent string
}

func (m *MockClassifier) Classify(_ context.Context, _ string) (Result, error) {
	intent := m.Intent
	if intent == "" {
		intent = IntentGeneralQuestion
	}
	return Result{PrimaryIntent: intent, Confidence: 1}, nil
}

// KeywordClassifier matches configured phrases as substrings of the
// lowercased utterance. Longer phrases win over shorter ones so
// "chest pain" beats "pain".
type KeywordClassifier struct {
	keywords map[string]string
}

func NewKeywordClassifier(keywords map[string]string) *KeywordClassifier {
	return &KeywordClassifier{keywords: keywords}
}

func (k *KeywordClassifier) Classify(_ context.Context, text string) (Result, error) {
	lowered := strings.ToLower(text)
	bestLen := 0
	best := ""
	for phrase, intent := range k.keywords {
		if strings.Contains(lowered, strings.ToLower(phrase)) && len(phrase) > bestLen {
			bestLen = len(phrase)
			best = intent
		}
	}
	if best == "" {
		return Result{PrimaryIntent: IntentGeneralQuestion}, nil
	}
	return Result{PrimaryIntent: best, Confidence: 0.9}, nil
}

type execClassifier struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecClassifier wraps an external command. The utterance is written
// to stdin as JSON {"text": ...}; the command answers with a Result on
// stdout.
func NewExecClassifier(command string) (Classifier, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse intent command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("intent command empty: %w", faults.ErrConfiguration)
	}
	return &execClassifier{cmd: args}, nil
}

func (c *execClassifier) Classify(ctx context.Context, text string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	input, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Result{}, err
	}

	base := c.cmd[0]
	args := append([]string{}, c.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("intent exec command failed: %w", err)
	}

	var res Result
	if err := json.Unmarshal(output, &res); err != nil {
		return Result{}, fmt.Errorf("decode intent exec response: %w", err)
	}
	if res.PrimaryIntent == "" {
		res.PrimaryIntent = IntentGeneralQuestion
	}
	return res, nil
}
