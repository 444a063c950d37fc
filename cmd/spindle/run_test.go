package main

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/session"
)

func TestRunInteractive(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	ctx := context.Background()
	sess, err := st.registry.Create(ctx, session.Config{Grammar: "[a-z]{3}"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ed := &lineEditor{
		in:  bufio.NewReader(strings.NewReader("the\n\n/reset\n/quit\nnever\n")),
		out: io.Discard,
	}
	var prompts []string
	step := func(round int, prompt string) error {
		if round != len(prompts)+1 {
			t.Fatalf("round %d after %d steps", round, len(prompts))
		}
		prompts = append(prompts, prompt)
		_, err := st.engine.Step(ctx, inference.StepRequest{SessionID: sess.ID(), Prompt: prompt}, nil)
		return err
	}
	if err := runInteractive(ctx, st, sess.ID(), ed, "start", step); err != nil {
		t.Fatalf("runInteractive: %v", err)
	}
	if diff := cmp.Diff([]string{"start", "the", ""}, prompts); diff != "" {
		t.Fatalf("prompts mismatch (-want +got):\n%s", diff)
	}
	got, err := st.registry.Get(sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap := got.Snapshot(); snap.Tokens != 0 {
		t.Fatalf("/reset did not clear the session: %+v", snap)
	}
}

func TestRunInteractiveEndOfInput(t *testing.T) {
	t.Parallel()

	ed := &lineEditor{in: bufio.NewReader(strings.NewReader("one\ntwo")), out: io.Discard}
	var prompts []string
	err := runInteractive(context.Background(), nil, "", ed, "", func(_ int, p string) error {
		prompts = append(prompts, p)
		return nil
	})
	if err != nil {
		t.Fatalf("runInteractive: %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two"}, prompts); diff != "" {
		t.Fatalf("prompts mismatch (-want +got):\n%s", diff)
	}
}
