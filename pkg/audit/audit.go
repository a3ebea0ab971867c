package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Writer is the single audit writer: it owns the process-wide
// monotonic sequence and appends events through the repository.
// Events are never updated or deleted.
type Writer struct {
	store storage.Store

	mu  sync.Mutex
	seq uint64
}

// NewWriter creates a Writer with its sequence seeded past the last
// persisted event.
func NewWriter(store storage.Store) (*Writer, error) {
	last, err := store.LastAuditSeq()
	if err != nil {
		return nil, err
	}
	return &Writer{store: store, seq: last}, nil
}

// next reserves the next sequence number. Rolled-back transactions
// burn their number; gaps are acceptable, regressions are not.
func (w *Writer) next() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	return w.seq
}

// Record appends one event using the writer's own store handle.
func (w *Writer) Record(e *types.AuditEvent) error {
	return w.Append(w.store, e)
}

// Append appends one event through the given store view, so a caller
// holding a transaction commits the event atomically with its
// mutation.
func (w *Writer) Append(tx storage.Store, e *types.AuditEvent) error {
	e.Seq = w.next()
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := tx.AppendAudit(e); err != nil {
		log.WithComponent("audit").Error().Err(err).Str("action", e.Action).Msg("audit append failed")
		return err
	}
	return nil
}

// Success records a successful mutation with before/after entity
// hashes.
func (w *Writer) Success(tx storage.Store, actor, clusterID, action, beforeHash, afterHash string) error {
	return w.Append(tx, &types.AuditEvent{
		Actor:      actor,
		ClusterID:  clusterID,
		Action:     action,
		BeforeHash: beforeHash,
		AfterHash:  afterHash,
		Outcome:    types.OutcomeSuccess,
	})
}

// Denied records an authorization or license denial.
func (w *Writer) Denied(actor, clusterID, action, detail string) error {
	return w.Record(&types.AuditEvent{
		Actor:     actor,
		ClusterID: clusterID,
		Action:    action,
		Outcome:   types.OutcomeDenied,
		Detail:    detail,
	})
}

// Failure records an authentication failure or rejected mutation.
func (w *Writer) Failure(actor, clusterID, action, detail string) error {
	return w.Record(&types.AuditEvent{
		Actor:     actor,
		ClusterID: clusterID,
		Action:    action,
		Outcome:   types.OutcomeFailure,
		Detail:    detail,
	})
}

// HashEntity produces the stable hash recorded as an event's before
// or after state.
func HashEntity(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
