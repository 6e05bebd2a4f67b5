package llmclassifier

import (
	"context"
	"testing"
)

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.reply, f.err
}

func TestClassifyParsesJSONReply(t *testing.T) {
	c := New(&fakeCompleter{reply: `Sure, here you go: {"analytical": 0.7, "creative": 0.1}`}, "")
	scores, _, err := c.Classify(context.Background(), "why does this happen", []string{"analytical", "creative"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if scores["analytical"] != 0.7 {
		t.Errorf("scores = %+v", scores)
	}
}

func TestClassifyErrorsOnMalformedReply(t *testing.T) {
	c := New(&fakeCompleter{reply: "not json at all"}, "")
	_, _, err := c.Classify(context.Background(), "hi", []string{"analytical"})
	if err == nil {
		t.Fatal("expected error for malformed reply")
	}
}
