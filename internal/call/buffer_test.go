package call

import (
	"fmt"
	"testing"

	"partner_voice/native/internal/domain"
)

func sig(sdp string) domain.Signal {
	return domain.Signal{Type: domain.SignalOffer, SDP: sdp}
}

func TestConsume_DrainsOnce(t *testing.T) {
	b := NewSignalBuffer(0)
	b.Push("A", sig("s1"))
	b.Push("A", sig("s2"))
	b.Push("B", sig("other"))

	got := b.Consume("A")
	if len(got) != 2 || got[0].Signal.SDP != "s1" || got[1].Signal.SDP != "s2" {
		t.Fatalf("expected [s1 s2], got %+v", got)
	}

	again := b.Consume("A")
	if again == nil || len(again) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", again)
	}
	if b.Pending("B") != 1 {
		t.Error("expected other conversation untouched")
	}
}

func TestPush_DropsOldestBeyondCap(t *testing.T) {
	b := NewSignalBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Push("A", sig(fmt.Sprintf("s%d", i)))
	}

	got := b.Consume("A")
	if len(got) != 3 || got[0].Signal.SDP != "s3" || got[2].Signal.SDP != "s5" {
		t.Errorf("expected [s3 s4 s5], got %+v", got)
	}
}

func TestSubscribe_FanOutAndIsolation(t *testing.T) {
	b := NewSignalBuffer(0)

	var order []string
	b.Subscribe(func(domain.BufferedSignal) {
		order = append(order, "first")
		panic("boom")
	})
	unsubscribe := b.Subscribe(func(e domain.BufferedSignal) {
		order = append(order, "second:"+e.ConversationID)
	})

	b.Push("A", sig("s1"))
	if fmt.Sprint(order) != "[first second:A]" {
		t.Fatalf("unexpected delivery %v", order)
	}
	if b.Pending("A") != 1 {
		t.Error("expected signal still queued after delivery")
	}

	unsubscribe()
	unsubscribe()
	order = nil
	b.Push("A", sig("s2"))
	if fmt.Sprint(order) != "[first]" {
		t.Errorf("expected only first subscriber after unsubscribe, got %v", order)
	}
}

func TestSubscribe_ChurnKeepsOnlyLiveSubscribers(t *testing.T) {
	b := NewSignalBuffer(0)

	var order []int
	b.Subscribe(func(domain.BufferedSignal) { order = append(order, 1) })
	for i := 0; i < 1000; i++ {
		unsubscribe := b.Subscribe(func(domain.BufferedSignal) { order = append(order, -1) })
		unsubscribe()
		unsubscribe()
	}
	b.Subscribe(func(domain.BufferedSignal) { order = append(order, 2) })

	b.Push("conv-1", sig("x"))

	if len(b.subs) != 2 {
		t.Errorf("expected 2 live subscribers, got %d", len(b.subs))
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected [1 2], got %v", order)
	}
}
