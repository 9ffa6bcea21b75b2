package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/faults"
)

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(config.Default().Intent.Keywords)
	ctx := context.Background()

	cases := []struct {
		text string
		want string
	}{
		{"I think I'm having a medical EMERGENCY", "medical_emergency"},
		{"I have chest pain and feel dizzy", "medical_emergency"},
		{"I'd like to book an appointment", "appointment_booking"},
		{"my head hurts, bad headache", "symptom_report"},
		{"what are your opening hours", IntentGeneralQuestion},
	}
	for _, tc := range cases {
		res, err := c.Classify(ctx, tc.text)
		if err != nil {
			t.Fatalf("classify %q: %v", tc.text, err)
		}
		if res.PrimaryIntent != tc.want {
			t.Fatalf("classify %q: got %q, want %q", tc.text, res.PrimaryIntent, tc.want)
		}
	}
}

func TestLongerPhraseWins(t *testing.T) {
	c := NewKeywordClassifier(map[string]string{
		"pain":       "symptom_report",
		"chest pain": "medical_emergency",
	})
	res, err := c.Classify(context.Background(), "severe chest pain")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.PrimaryIntent != "medical_emergency" {
		t.Fatalf("expected the longer phrase to win, got %q", res.PrimaryIntent)
	}
}

func TestMockClassifier(t *testing.T) {
	res, err := (&MockClassifier{}).Classify(context.Background(), "anything")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if res.PrimaryIntent != IntentGeneralQuestion {
		t.Fatalf("unexpected intent %q", res.PrimaryIntent)
	}

	res, _ = (&MockClassifier{Intent: "appointment_booking"}).Classify(context.Background(), "x")
	if res.PrimaryIntent != "appointment_booking" {
		t.Fatalf("unexpected intent %q", res.PrimaryIntent)
	}
}

func TestNewClassifierValidatesMode(t *testing.T) {
	if _, err := NewClassifier(config.IntentConfig{Mode: "quantum"}); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewClassifier(config.IntentConfig{Mode: "keyword"}); err != nil {
		t.Fatalf("keyword mode: %v", err)
	}
}
