package call

import (
	"encoding/json"
	"sync"
	"time"

	"partner_voice/native/internal/domain"
)

// HistoryKey is the storage key holding the serialized call history.
const HistoryKey = "partnerVoiceCallHistory"

// DefaultHistoryLimit is the number of records kept when no limit is given.
const DefaultHistoryLimit = 100

// Registry is the upsert-only call history keyed by conversation ID.
// Records are kept in insertion order; the oldest are evicted beyond limit.
type Registry struct {
	store domain.Storage
	limit int
	now   func() time.Time

	mu      sync.Mutex
	loaded  bool
	records []domain.CallRecord
}

// NewRegistry creates a registry persisted in store. History is loaded lazily.
func NewRegistry(store domain.Storage, limit int) *Registry {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Registry{
		store: store,
		limit: limit,
		now:   time.Now,
	}
}

// Upsert creates the record for conversationID or merges patch into it,
// then trims to the retention limit and persists the full list.
func (r *Registry) Upsert(conversationID string, patch domain.CallPatch) domain.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()

	idx := r.indexOf(conversationID)
	if idx < 0 {
		r.records = append(r.records, domain.CallRecord{
			ConversationID: conversationID,
			CreatedAt:      r.now(),
		})
		idx = len(r.records) - 1
	}
	patch.Apply(&r.records[idx])
	rec := r.records[idx]

	if over := len(r.records) - r.limit; over > 0 {
		r.records = append([]domain.CallRecord(nil), r.records[over:]...)
	}

	r.persist()
	return rec
}

// Get returns the record for conversationID.
func (r *Registry) Get(conversationID string) (domain.CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()

	if idx := r.indexOf(conversationID); idx >= 0 {
		return r.records[idx], true
	}
	return domain.CallRecord{}, false
}

// List returns a copy of all records, oldest first.
func (r *Registry) List() []domain.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()

	out := make([]domain.CallRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()
	return len(r.records)
}

func (r *Registry) indexOf(conversationID string) int {
	for i := range r.records {
		if r.records[i].ConversationID == conversationID {
			return i
		}
	}
	return -1
}

// load reads the persisted history once. Missing or corrupt data yields an empty list.
func (r *Registry) load() {
	if r.loaded {
		return
	}
	r.loaded = true

	raw, ok, err := r.store.Get(HistoryKey)
	if err != nil {
		log.Warnf("load call history: %v", err)
		return
	}
	if !ok || raw == "" {
		return
	}

	var records []domain.CallRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		log.Warnf("discarding corrupt call history: %v", err)
		return
	}
	if over := len(records) - r.limit; over > 0 {
		records = records[over:]
	}
	r.records = records
}

func (r *Registry) persist() {
	data, err := json.Marshal(r.records)
	if err != nil {
		log.Warnf("marshal call history: %v", err)
		return
	}
	if err := r.store.Set(HistoryKey, string(data)); err != nil {
		log.Warnf("persist call history: %v", err)
	}
}
