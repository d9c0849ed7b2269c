package auditstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

const genesisHash = "genesis"

type InMemoryAuditStore struct {
	mu      sync.RWMutex
	records []*model.AuditRecord

	publisher Publisher
}

func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{}
}

// WithPublisher forwards every appended record to pub after chaining.
func (s *InMemoryAuditStore) WithPublisher(pub Publisher) *InMemoryAuditStore {
	s.publisher = pub
	return s
}

func (s *InMemoryAuditStore) Append(ctx context.Context, event model.AuditEventType, accountID string, payload any) (*model.AuditRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := genesisHash
	if n := len(s.records); n > 0 {
		prev = s.records[n-1].ThisHash
	}
	record := &model.AuditRecord{
		RecordID:   uuid.New().String(),
		Seq:        int64(len(s.records)),
		PrevHash:   prev,
		ThisHash:   chainHash(prev, body),
		EventType:  event,
		AccountID:  accountID,
		Payload:    string(body),
		RecordedAt: time.Now(),
	}
	s.records = append(s.records, record)
	s.mu.Unlock()

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, record); err != nil {
			// The in-memory chain is the source of truth; a publish failure
			// must not lose the record.
			return record, err
		}
	}
	return record, nil
}

func (s *InMemoryAuditStore) Records(ctx context.Context) []*model.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *InMemoryAuditStore) RecordsForAccount(ctx context.Context, accountID string) []*model.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.AuditRecord
	for _, r := range s.records {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out
}

// Verify walks the full chain and reports the first divergent record.
func (s *InMemoryAuditStore) Verify(ctx context.Context) VerifyResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := genesisHash
	for i, r := range s.records {
		if r.PrevHash != prev {
			return VerifyResult{
				BadSeq:   r.Seq,
				BadID:    r.RecordID,
				Detail:   fmt.Sprintf("record %d prev_hash mismatch", i),
				Verified: i,
			}
		}
		if want := chainHash(r.PrevHash, []byte(r.Payload)); r.ThisHash != want {
			return VerifyResult{
				BadSeq:   r.Seq,
				BadID:    r.RecordID,
				Detail:   fmt.Sprintf("record %d this_hash mismatch", i),
				Verified: i,
			}
		}
		prev = r.ThisHash
	}
	return VerifyResult{OK: true, Verified: len(s.records)}
}

func chainHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
