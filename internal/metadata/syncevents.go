package metadata

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

// InsertSyncEvent writes a new run row and its per-vault index. RunUUID must
// be unique per vault.
func (tx *Tx) InsertSyncEvent(e *SyncEvent) error {
	if e.RunUUID == "" {
		return fmt.Errorf("sync event needs a run uuid: %w", errs.ErrInvalidArgument)
	}
	id, err := tx.tx.Bucket(syncEventsBucket).NextSequence()
	if err != nil {
		return fmt.Errorf("assign sync event id: %w", err)
	}
	e.ID = id
	if e.Status == "" {
		e.Status = StatusPending
	}
	if err := putJSON(tx.tx.Bucket(syncEventsBucket), itob(id), e); err != nil {
		return err
	}
	return tx.tx.Bucket(syncEventsByVaultBkt).Put(append(itob(e.VaultID), itob(id)...), itob(id))
}

// UpdateSyncEvent rewrites a run row in place.
func (tx *Tx) UpdateSyncEvent(e *SyncEvent) error {
	if _, err := tx.GetSyncEvent(e.ID); err != nil {
		return err
	}
	return putJSON(tx.tx.Bucket(syncEventsBucket), itob(e.ID), e)
}

// GetSyncEvent fetches a run by id.
func (tx *Tx) GetSyncEvent(id uint64) (*SyncEvent, error) {
	var e SyncEvent
	if err := getJSON(tx.tx.Bucket(syncEventsBucket), itob(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListSyncEvents returns the runs of a vault, newest first, up to limit
// (0 = all).
func (tx *Tx) ListSyncEvents(vaultID uint64, limit int) ([]*SyncEvent, error) {
	prefix := itob(vaultID)
	c := tx.tx.Bucket(syncEventsByVaultBkt).Cursor()

	var out []*SyncEvent
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		e, err := tx.GetSyncEvent(btoi(v))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestSyncEvent returns the most recent run of a vault.
func (tx *Tx) LatestSyncEvent(vaultID uint64) (*SyncEvent, error) {
	events, err := tx.ListSyncEvents(vaultID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.ErrNotFound
	}
	return events[0], nil
}

// TouchHeartbeat stamps the heartbeat of a running event.
func (tx *Tx) TouchHeartbeat(eventID uint64) error {
	e, err := tx.GetSyncEvent(eventID)
	if err != nil {
		return err
	}
	e.HeartbeatAt = time.Now().Unix()
	return tx.UpdateSyncEvent(e)
}

// MarkSyncEventStalled transitions a running event to stalled.
func (tx *Tx) MarkSyncEventStalled(eventID uint64, reason string) error {
	e, err := tx.GetSyncEvent(eventID)
	if err != nil {
		return err
	}
	if e.Status != StatusRunning {
		return fmt.Errorf("event %d is %s, not running: %w", eventID, e.Status, errs.ErrInvalidArgument)
	}
	e.Status = StatusStalled
	e.StallReason = reason
	return tx.UpdateSyncEvent(e)
}

func throughputKey(eventID uint64, metric ThroughputMetric) []byte {
	return append(itob(eventID), []byte(metric)...)
}

// AddThroughput merges an executed action into the run's metric bucket.
func (tx *Tx) AddThroughput(eventID uint64, metric ThroughputMetric, count, failed, bytesMoved, durationMs uint64) error {
	b := tx.tx.Bucket(syncThroughputBucket)
	key := throughputKey(eventID, metric)

	t := Throughput{EventID: eventID, Metric: metric}
	if existing := b.Get(key); existing != nil {
		if err := getJSON(b, key, &t); err != nil {
			return err
		}
	}
	t.Count += count
	t.Failed += failed
	t.Bytes += bytesMoved
	t.DurationMs += durationMs
	return putJSON(b, key, &t)
}

// ListThroughputs returns the metric buckets of a run.
func (tx *Tx) ListThroughputs(eventID uint64) ([]*Throughput, error) {
	prefix := itob(eventID)
	c := tx.tx.Bucket(syncThroughputBucket).Cursor()

	var out []*Throughput
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var t Throughput
		if err := getJSON(tx.tx.Bucket(syncThroughputBucket), k, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}

// InsertConflict records a divergence with the artifacts of each side.
func (tx *Tx) InsertConflict(c *Conflict, artifacts []*ConflictArtifact) error {
	id, err := tx.tx.Bucket(syncConflictsBucket).NextSequence()
	if err != nil {
		return fmt.Errorf("assign conflict id: %w", err)
	}
	c.ID = id
	if err := putJSON(tx.tx.Bucket(syncConflictsBucket), itob(id), c); err != nil {
		return err
	}
	for _, a := range artifacts {
		a.ConflictID = id
		key := append(itob(id), []byte(a.Side)...)
		if err := putJSON(tx.tx.Bucket(conflictArtifactsBkt), key, a); err != nil {
			return err
		}
	}
	return nil
}

// ListConflicts returns the conflicts recorded under a run.
func (tx *Tx) ListConflicts(eventID uint64) ([]*Conflict, error) {
	var out []*Conflict
	err := tx.tx.Bucket(syncConflictsBucket).ForEach(func(k, _ []byte) error {
		var c Conflict
		if err := getJSON(tx.tx.Bucket(syncConflictsBucket), k, &c); err != nil {
			return err
		}
		if c.EventID == eventID {
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListConflictArtifacts returns both sides of a conflict.
func (tx *Tx) ListConflictArtifacts(conflictID uint64) ([]*ConflictArtifact, error) {
	prefix := itob(conflictID)
	c := tx.tx.Bucket(conflictArtifactsBkt).Cursor()

	var out []*ConflictArtifact
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var a ConflictArtifact
		if err := getJSON(tx.tx.Bucket(conflictArtifactsBkt), k, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, nil
}

// FinishSyncEvent finalizes a run: terminal status, end stamp, counters.
func (tx *Tx) FinishSyncEvent(eventID uint64, status SyncStatus, errorCode, errorMessage string) error {
	e, err := tx.GetSyncEvent(eventID)
	if err != nil {
		return err
	}
	e.Status = status
	e.TimestampEnd = time.Now().Unix()
	e.ErrorCode = errorCode
	e.ErrorMessage = errorMessage

	// Fold throughputs into the dashboard counters.
	ts, err := tx.ListThroughputs(eventID)
	if err != nil {
		return err
	}
	e.NumOpsTotal, e.NumFailedOps, e.BytesUp, e.BytesDown = 0, 0, 0, 0
	for _, t := range ts {
		e.NumOpsTotal += t.Count
		e.NumFailedOps += t.Failed
		switch t.Metric {
		case MetricUpload:
			e.BytesUp += t.Bytes
		case MetricDownload:
			e.BytesDown += t.Bytes
		}
	}
	conflicts, err := tx.ListConflicts(eventID)
	if err != nil {
		return err
	}
	e.NumConflicts = uint64(len(conflicts))
	e.DivergenceDetected = e.NumConflicts > 0

	return tx.UpdateSyncEvent(e)
}
