package metadata

// EntryKind discriminates the two entry flavors sharing the fs_entry table.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
)

// Entry is the polymorphic filesystem node. The root entry has ID 1, no
// parent, path "/" and no vault.
type Entry struct {
	ID         uint64    `json:"id"`
	ParentID   uint64    `json:"parent_id,omitempty"` // 0 = none (root only)
	VaultID    uint64    `json:"vault_id,omitempty"`  // 0 = outside any vault
	Kind       EntryKind `json:"kind"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`  // vault-relative, "/"-rooted
	Alias      string    `json:"alias"` // immutable random Base32; the physical object key
	OwnerUID   uint32    `json:"owner_uid"`
	GroupGID   uint32    `json:"group_gid"`
	Mode       uint32    `json:"mode"`
	CreatedBy  uint64    `json:"created_by,omitempty"`
	ModifiedBy uint64    `json:"last_modified_by,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Kind == KindDirectory }

// RootEntryID is the persistent id of the synthetic root.
const RootEntryID uint64 = 1

// File carries the payload attributes of a file entry.
type File struct {
	EntryID      uint64 `json:"entry_id"`
	SizeBytes    uint64 `json:"size_bytes"`
	MimeType     string `json:"mime_type,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`  // lowercase hex SHA-256 of plaintext
	EncryptionIV string `json:"encryption_iv,omitempty"` // Base64 GCM nonce; empty = stored plaintext
	KeyVersion   uint32 `json:"encrypted_with_key_version"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Encrypted reports whether the stored bytes are ciphertext.
func (f *File) Encrypted() bool { return f.EncryptionIV != "" }

// Directory aggregates over the immediate children of a directory entry.
type Directory struct {
	EntryID     uint64 `json:"entry_id"`
	SizeBytes   uint64 `json:"size_bytes"`
	FileCount   uint64 `json:"file_count"`
	SubdirCount uint64 `json:"subdirectory_count"`
}

// TrashedFile is the tombstone written when an entry is trashed. Rows with
// DeletedAt == 0 are pending-delete work for the sync engine.
type TrashedFile struct {
	ID          uint64 `json:"id"`
	VaultID     uint64 `json:"vault_id"`
	Alias       string `json:"base32_alias"`
	SizeBytes   uint64 `json:"size_bytes"`
	TrashedBy   uint64 `json:"trashed_by"`
	TrashedAt   int64  `json:"trashed_at"`
	BackingPath string `json:"backing_path"`
	RemoteKey   string `json:"remote_key,omitempty"` // path-keyed remote object, cloud vaults only
	DeletedAt   int64  `json:"deleted_at,omitempty"` // 0 = backing bytes still present
}

// VaultType selects the storage backend for a vault.
type VaultType string

const (
	VaultLocal VaultType = "local"
	VaultS3    VaultType = "s3"
)

// Vault is a named unit of storage owned by a user.
type Vault struct {
	ID         uint64    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    uint64    `json:"owner_id"`
	Type       VaultType `json:"type"`
	MountPoint string    `json:"mount_point"` // vault-relative root under the mount
	Quota      uint64    `json:"quota"`       // bytes; 0 = unlimited
	IsActive   bool      `json:"is_active"`
	CreatedAt  int64     `json:"created_at"`
}

// S3Vault extends a Vault of type s3.
type S3Vault struct {
	VaultID         uint64 `json:"vault_id"`
	APIKeyID        uint64 `json:"api_key_id"`
	Bucket          string `json:"bucket"`
	EncryptUpstream bool   `json:"encrypt_upstream"`
}

// APIKey holds S3 credentials. The secret is stored only as ciphertext under
// the process master key; the decrypted form lives in a transient field that
// callers must clear after use.
type APIKey struct {
	ID              uint64 `json:"id"`
	UserID          uint64 `json:"user_id"`
	Provider        string `json:"provider"`
	AccessKey       string `json:"access_key"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	EncryptedSecret []byte `json:"encrypted_secret_access_key"`
	IV              string `json:"iv"`

	// Secret is the decrypted secret access key, populated on demand and
	// never persisted.
	Secret string `json:"-"`
}

// VaultKey is a per-vault data key, stored wrapped under the master key.
type VaultKey struct {
	VaultID   uint64 `json:"vault_id"`
	Version   uint32 `json:"version"`
	Wrapped   []byte `json:"wrapped"`
	CreatedAt int64  `json:"created_at"`
}

// TrashedVaultKey records a superseded data key during rotation.
// RotationCompletedAt stays 0 until every file has been re-encrypted with the
// current key.
type TrashedVaultKey struct {
	VaultID             uint64 `json:"vault_id"`
	Version             uint32 `json:"version"`
	Wrapped             []byte `json:"wrapped"`
	TrashedAt           int64  `json:"trashed_at"`
	RotationCompletedAt int64  `json:"rotation_completed_at,omitempty"`
}

// CacheType distinguishes cache lanes.
type CacheType string

const (
	CacheFile      CacheType = "file"
	CacheThumbnail CacheType = "thumbnail"
)

// CacheIndex describes a byte-resident copy of a logical file, participating
// in eviction.
type CacheIndex struct {
	ID           uint64    `json:"id"`
	VaultID      uint64    `json:"vault_id"`
	FileID       uint64    `json:"file_id"`
	Path         string    `json:"path"` // absolute cache path
	Type         CacheType `json:"type"`
	Size         uint64    `json:"size"`
	LastAccessed int64     `json:"last_accessed"`
}

// RefreshToken rows are issued by the auth module; the core only reads and
// prunes them.
type RefreshToken struct {
	ID        uint64 `json:"id"`
	UserID    uint64 `json:"user_id"`
	TokenHash string `json:"token_hash"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

// SyncMode is the reconcile policy of a vault.
type SyncMode string

const (
	SyncCache  SyncMode = "cache"
	SyncSafe   SyncMode = "safe"
	SyncMirror SyncMode = "mirror"
)

// ConflictPolicy selects the winning side for mirror vaults.
type ConflictPolicy string

const (
	KeepLocal  ConflictPolicy = "keep_local"
	KeepRemote ConflictPolicy = "keep_remote"
)

// SyncPolicy is the per-vault sync configuration row.
type SyncPolicy struct {
	VaultID        uint64         `json:"vault_id"`
	Mode           SyncMode       `json:"mode"`
	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty"`
	Enabled        bool           `json:"enabled"`
	IntervalSecs   int            `json:"interval_secs,omitempty"` // 0 = global default
}

// SyncStatus is the lifecycle state of a SyncEvent.
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusRunning   SyncStatus = "running"
	StatusSuccess   SyncStatus = "success"
	StatusStalled   SyncStatus = "stalled"
	StatusError     SyncStatus = "error"
	StatusCancelled SyncStatus = "cancelled"
)

// SyncTrigger records what started a run.
type SyncTrigger string

const (
	TriggerSchedule SyncTrigger = "schedule"
	TriggerManual   SyncTrigger = "manual"
	TriggerStartup  SyncTrigger = "startup"
	TriggerWebhook  SyncTrigger = "webhook"
	TriggerRetry    SyncTrigger = "retry"
)

// SyncEvent is one reconcile run for one vault at one instant.
type SyncEvent struct {
	ID             uint64      `json:"id"`
	VaultID        uint64      `json:"vault_id"`
	RunUUID        string      `json:"run_uuid"`
	Status         SyncStatus  `json:"status"`
	Trigger        SyncTrigger `json:"trigger"`
	TimestampBegin int64       `json:"timestamp_begin,omitempty"`
	TimestampEnd   int64       `json:"timestamp_end,omitempty"`
	HeartbeatAt    int64       `json:"heartbeat_at,omitempty"`
	RetryAttempt   uint32      `json:"retry_attempt"`

	StallReason  string `json:"stall_reason,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	NumOpsTotal  uint64 `json:"num_ops_total"`
	NumFailedOps uint64 `json:"num_failed_ops"`
	NumConflicts uint64 `json:"num_conflicts"`
	BytesUp      uint64 `json:"bytes_up"`
	BytesDown    uint64 `json:"bytes_down"`

	DivergenceDetected bool   `json:"divergence_detected"`
	LocalStateHash     string `json:"local_state_hash,omitempty"`
	RemoteStateHash    string `json:"remote_state_hash,omitempty"`
	ConfigHash         string `json:"config_hash,omitempty"`
}

// HasEnded reports whether the event reached a terminal state.
func (e *SyncEvent) HasEnded() bool { return e.TimestampEnd != 0 }

// LooksStalled implements the stall heuristic: running with no heartbeat for
// stallAfter seconds.
func (e *SyncEvent) LooksStalled(now, stallAfter int64) bool {
	if e.Status != StatusRunning || e.HeartbeatAt == 0 {
		return false
	}
	return now > e.HeartbeatAt && now-e.HeartbeatAt >= stallAfter
}

// ThroughputMetric classifies executed sync actions.
type ThroughputMetric string

const (
	MetricUpload   ThroughputMetric = "upload"
	MetricDownload ThroughputMetric = "download"
	MetricDelete   ThroughputMetric = "delete"
)

// Throughput is one metric bucket attached to a SyncEvent.
type Throughput struct {
	EventID    uint64           `json:"event_id"`
	Metric     ThroughputMetric `json:"metric"`
	Count      uint64           `json:"count"`
	Failed     uint64           `json:"failed"`
	Bytes      uint64           `json:"bytes"`
	DurationMs uint64           `json:"duration_ms"`
}

// Conflict records incompatible divergence discovered during a run.
type Conflict struct {
	ID      uint64 `json:"id"`
	EventID uint64 `json:"event_id"`
	VaultID uint64 `json:"vault_id"`
	Path    string `json:"path"`
	Reason  string `json:"reason"`
}

// ConflictArtifact captures one side of a conflict for later inspection.
type ConflictArtifact struct {
	ConflictID uint64 `json:"conflict_id"`
	Side       string `json:"side"` // "local" or "remote"
	Size       uint64 `json:"size"`
	Hash       string `json:"hash,omitempty"`
	MTime      int64  `json:"mtime,omitempty"`
	IV         string `json:"iv,omitempty"`
	KeyVersion uint32 `json:"key_version,omitempty"`
}
