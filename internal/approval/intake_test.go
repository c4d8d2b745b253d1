package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestIntake_RoutesByRequestID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dialogue, _ := newTestQueue(t, 4)
	challenge := New[int]("challenge", 4, WithMetrics(testMetrics(t)))

	var applied []string
	intake := NewIntake(
		NewQueueHandler("dialogue", dialogue, nil),
		NewQueueHandler("challenge", challenge, func(_ context.Context, out Outcome[int], who Actor) (Receipt, error) {
			applied = append(applied, who.String())
			return ReceiptFor("challenge", out), nil
		}),
	)

	cid, err := challenge.Enqueue(ctx, EnqueueRequest[int]{Payload: 17})
	if err != nil {
		t.Fatal(err)
	}
	r, err := intake.SubmitDecision(ctx, cid, TakeOver{Content: 20}, Actor{UserID: "u1", Name: "Mira"})
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if r.Kind != "challenge" || r.Outcome != "taken_over" || r.RequestID != cid {
		t.Errorf("Receipt = %+v", r)
	}
	if len(applied) != 1 || applied[0] != "Mira" {
		t.Errorf("apply calls = %v", applied)
	}

	did := enqueue(t, dialogue, EnqueueRequest[line]{})
	r, err = intake.SubmitDecision(ctx, did, Reject{Feedback: "again"}, Actor{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != "dialogue" || r.Outcome != "retry" || r.NewRequestID == "" || r.Attempt != 1 {
		t.Errorf("Receipt = %+v", r)
	}
}

func TestIntake_ContentForLaterHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dialogue, _ := newTestQueue(t, 4)
	challenge := New[int]("challenge", 4, WithMetrics(testMetrics(t)))
	intake := NewIntake(NewQueueHandler("dialogue", dialogue, nil), NewQueueHandler("challenge", challenge, nil))

	cid, err := challenge.Enqueue(ctx, EnqueueRequest[int]{Payload: 3})
	if err != nil {
		t.Fatal(err)
	}
	// 42 does not decode into the first handler's payload type.
	r, err := intake.SubmitDecision(ctx, cid, AcceptWithModification{Modification: json.RawMessage(`42`)}, Actor{UserID: "gm"})
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if r.Kind != "challenge" || r.Outcome != "approved" {
		t.Errorf("Receipt = %+v", r)
	}

	// Malformed content for the owning queue still fails and leaves it pending.
	did := enqueue(t, dialogue, EnqueueRequest[line]{})
	if _, err := intake.SubmitDecision(ctx, did, TakeOver{Content: json.RawMessage(`[`)}, Actor{}); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("malformed content err = %v, want ErrInvalidDecision", err)
	}
	if _, err := dialogue.Get(did); err != nil {
		t.Errorf("request left the queue after a malformed decision: %v", err)
	}
}

func TestIntake_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, 4)
	intake := NewIntake()
	intake.Register(NewQueueHandler("dialogue", q, nil))

	if _, err := intake.SubmitDecision(ctx, "missing", Accept{}, Actor{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
	if _, err := intake.SubmitDecision(ctx, "missing", nil, Actor{}); !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("nil decision err = %v, want ErrInvalidDecision", err)
	}

	id := enqueue(t, q, EnqueueRequest[line]{})
	if _, err := intake.SubmitDecision(ctx, id, Accept{}, Actor{}); err != nil {
		t.Fatal(err)
	}
	if _, err := intake.SubmitDecision(ctx, id, Accept{}, Actor{}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second submit err = %v, want ErrAlreadyResolved", err)
	}
	if got := intake.Kinds(); len(got) != 1 || got[0] != "dialogue" {
		t.Errorf("Kinds = %v", got)
	}
}

func TestDecisionKind(t *testing.T) {
	t.Parallel()

	cases := map[string]Decision{
		"accept":          Accept{},
		"accept_modified": AcceptWithModification{},
		"reject":          Reject{},
		"take_over":       TakeOver{},
		"none":            nil,
	}
	for want, d := range cases {
		if got := DecisionKind(d); got != want {
			t.Errorf("DecisionKind(%T) = %q, want %q", d, got, want)
		}
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	content := []byte(`{"speaker":"Bram","text":"x"}`)
	tests := []struct {
		kind    string
		content []byte
		want    string
		wantErr bool
	}{
		{kind: "accept", want: "accept"},
		{kind: "reject", want: "reject"},
		{kind: "modify", content: content, want: "accept_modified"},
		{kind: "accept_modified", content: content, want: "accept_modified"},
		{kind: "take_over", content: content, want: "take_over"},
		{kind: "take_over", wantErr: true},
		{kind: "approve", wantErr: true},
	}
	for _, tc := range tests {
		d, err := ParseDecision(tc.kind, "fb", tc.content)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidDecision) {
				t.Errorf("ParseDecision(%q) err = %v, want ErrInvalidDecision", tc.kind, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDecision(%q): %v", tc.kind, err)
			continue
		}
		if got := DecisionKind(d); got != tc.want {
			t.Errorf("ParseDecision(%q) kind = %q, want %q", tc.kind, got, tc.want)
		}
	}

	d, _ := ParseDecision("reject", "too rude", nil)
	if d.(Reject).Feedback != "too rude" {
		t.Errorf("feedback lost: %+v", d)
	}
}
