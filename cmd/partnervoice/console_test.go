package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"partner_voice/native/internal/call"
	"partner_voice/native/internal/domain"
)

// mockController records the console's calls.
type mockController struct {
	started  []string
	accepted []string
	rejected []string
	ended    int
	snap     call.Snapshot
	history  []domain.CallRecord
}

func (m *mockController) StartCall(id string) error {
	m.started = append(m.started, id)
	return nil
}
func (m *mockController) Accept(id string) error {
	m.accepted = append(m.accepted, id)
	return nil
}
func (m *mockController) Reject(id string) error {
	m.rejected = append(m.rejected, id)
	return nil
}
func (m *mockController) End() error {
	m.ended++
	if m.ended > 1 {
		return domain.ErrNoActiveCall
	}
	return nil
}
func (m *mockController) Snapshot() call.Snapshot      { return m.snap }
func (m *mockController) History() []domain.CallRecord { return m.history }

func TestConsole_Dispatch(t *testing.T) {
	ctl := &mockController{}
	var out bytes.Buffer
	c := newConsole(ctl, &out)

	for _, line := range []string{"accept", "reject conv-2", "call conv-3", "end", "end", "", "bogus"} {
		if c.execute(line) {
			t.Fatalf("unexpected quit on %q", line)
		}
	}

	if len(ctl.accepted) != 1 || ctl.accepted[0] != "" {
		t.Errorf("expected topmost accept, got %v", ctl.accepted)
	}
	if len(ctl.rejected) != 1 || ctl.rejected[0] != "conv-2" {
		t.Errorf("expected reject conv-2, got %v", ctl.rejected)
	}
	if len(ctl.started) != 1 || ctl.started[0] != "conv-3" {
		t.Errorf("expected call conv-3, got %v", ctl.started)
	}
	if !strings.Contains(out.String(), domain.ErrNoActiveCall.Error()) {
		t.Errorf("expected error printed, got %q", out.String())
	}
	if !strings.Contains(out.String(), `unknown command "bogus"`) {
		t.Errorf("expected unknown command reported, got %q", out.String())
	}
	if !c.execute("quit") {
		t.Error("expected quit")
	}
}

func TestConsole_CallNeedsConversation(t *testing.T) {
	ctl := &mockController{}
	var out bytes.Buffer
	newConsole(ctl, &out).execute("call")

	if len(ctl.started) != 0 || !strings.Contains(out.String(), "usage") {
		t.Errorf("expected usage error, got %q", out.String())
	}
}

func TestConsole_Status(t *testing.T) {
	ctl := &mockController{snap: call.Snapshot{
		Status:    domain.StatusRinging,
		Connected: true,
		Incoming: []domain.IncomingCall{
			{ConversationID: "conv-1", From: domain.Participant{Name: "Alice"}},
			{ConversationID: "conv-2"},
		},
	}}
	var out bytes.Buffer
	newConsole(ctl, &out).execute("status")

	got := out.String()
	for _, want := range []string{"status=ringing", "ringing=2", "> conv-1 from Alice", "conv-2 from unknown caller"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}
}

func TestConsole_History(t *testing.T) {
	ended := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ctl := &mockController{history: []domain.CallRecord{{
		ConversationID: "conv-1",
		Direction:      domain.DirectionIncoming,
		Status:         domain.RecordEnded,
		From:           domain.Participant{Name: "Alice"},
		CreatedAt:      ended.Add(-time.Minute),
		EndedAt:        &ended,
	}}}
	var out bytes.Buffer
	newConsole(ctl, &out).execute("history")

	got := out.String()
	if !strings.Contains(got, "CONVERSATION") || !strings.Contains(got, "conv-1") || !strings.Contains(got, "Alice") {
		t.Errorf("unexpected history output %q", got)
	}
}

func TestConsole_RunStopsOnQuit(t *testing.T) {
	ctl := &mockController{}
	var out bytes.Buffer
	c := newConsole(ctl, &out)

	done := make(chan error, 1)
	go func() { done <- c.run(context.Background(), strings.NewReader("accept\nquit\nend\n")) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected run to return on quit")
	}
	if len(ctl.accepted) != 1 || ctl.ended != 0 {
		t.Errorf("expected commands after quit ignored, accepted=%v ended=%d", ctl.accepted, ctl.ended)
	}
}

func TestWaitConnected(t *testing.T) {
	v := call.NewValue(false)
	go func() {
		time.Sleep(10 * time.Millisecond)
		v.Set(true)
	}()
	if err := waitConnected(context.Background(), v, time.Second); err != nil {
		t.Fatal(err)
	}

	if err := waitConnected(context.Background(), call.NewValue(false), 10*time.Millisecond); err == nil {
		t.Error("expected timeout error")
	}
}
