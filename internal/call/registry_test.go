package call

import (
	"fmt"
	"testing"
	"time"

	"partner_voice/native/internal/domain"
	"partner_voice/native/internal/storage"
)

func TestUpsert_MergesIntoOneRecord(t *testing.T) {
	r := NewRegistry(storage.NewMemory(), 0)

	r.Upsert("conv-1", domain.CallPatch{Status: ptr(domain.RecordRinging)})
	rec := r.Upsert("conv-1", domain.CallPatch{From: &domain.Participant{Name: "Alice"}})

	if r.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", r.Len())
	}
	if rec.Status != domain.RecordRinging || rec.From.Name != "Alice" {
		t.Errorf("expected both patches merged, got %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected createdAt set on insert")
	}
}

func TestUpsert_ClearTerminal(t *testing.T) {
	r := NewRegistry(storage.NewMemory(), 0)

	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	r.Upsert("conv-1", domain.CallPatch{Status: ptr(domain.RecordEnded), StartedAt: &at, EndedAt: &at})

	later := at.Add(time.Hour)
	rec := r.Upsert("conv-1", domain.CallPatch{ClearTerminal: true, Status: ptr(domain.RecordRinging), StartedAt: &later})
	if rec.EndedAt != nil {
		t.Errorf("expected endedAt cleared, got %v", rec.EndedAt)
	}
	if rec.StartedAt == nil || !rec.StartedAt.Equal(later) {
		t.Errorf("expected new startedAt %v, got %v", later, rec.StartedAt)
	}
}

func TestUpsert_RetentionCap(t *testing.T) {
	r := NewRegistry(storage.NewMemory(), DefaultHistoryLimit)

	for i := 0; i < 105; i++ {
		r.Upsert(fmt.Sprintf("conv-%d", i), domain.CallPatch{Status: ptr(domain.RecordEnded)})
	}

	records := r.List()
	if len(records) != 100 {
		t.Fatalf("expected 100 records, got %d", len(records))
	}
	for i := 0; i < 5; i++ {
		if _, ok := r.Get(fmt.Sprintf("conv-%d", i)); ok {
			t.Errorf("expected conv-%d evicted", i)
		}
	}
	if records[0].ConversationID != "conv-5" || records[99].ConversationID != "conv-104" {
		t.Errorf("unexpected retained range %s..%s", records[0].ConversationID, records[99].ConversationID)
	}
}

func TestRegistry_PersistsAcrossInstances(t *testing.T) {
	store := storage.NewMemory()
	r := NewRegistry(store, 0)
	ended := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.Upsert("conv-1", domain.CallPatch{Status: ptr(domain.RecordEnded), EndedAt: &ended})

	raw, ok, err := store.Get(HistoryKey)
	if err != nil || !ok || raw == "" {
		t.Fatalf("expected history persisted, ok=%v err=%v", ok, err)
	}

	reloaded := NewRegistry(store, 0)
	rec, ok := reloaded.Get("conv-1")
	if !ok {
		t.Fatal("expected record after reload")
	}
	if rec.Status != domain.RecordEnded || rec.EndedAt == nil || !rec.EndedAt.Equal(ended) {
		t.Errorf("unexpected reloaded record %+v", rec)
	}
}

func TestRegistry_CorruptHistoryStartsEmpty(t *testing.T) {
	store := storage.NewMemory()
	store.Set(HistoryKey, "{not json")

	r := NewRegistry(store, 0)
	if r.Len() != 0 {
		t.Fatalf("expected empty history, got %d", r.Len())
	}

	r.Upsert("conv-1", domain.CallPatch{Status: ptr(domain.RecordRinging)})
	reloaded := NewRegistry(store, 0)
	if reloaded.Len() != 1 {
		t.Errorf("expected corrupt history replaced, got %d records", reloaded.Len())
	}
}

func TestList_ReturnsCopy(t *testing.T) {
	r := NewRegistry(storage.NewMemory(), 0)
	r.Upsert("conv-1", domain.CallPatch{Status: ptr(domain.RecordRinging)})

	list := r.List()
	list[0].Status = domain.RecordEnded

	if rec, _ := r.Get("conv-1"); rec.Status != domain.RecordRinging {
		t.Error("expected List to return a copy")
	}
}
