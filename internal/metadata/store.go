// Package metadata is the transactional backbone of the core: entries, files,
// directories, vaults, keys, cache index, refresh tokens and sync events all
// live here. Multi-row operations execute inside one bbolt transaction;
// writers lease a slot from a bounded pool for the span of the transaction.
package metadata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vaulthalla/vaulthalla/internal/errs"
)

var (
	entriesBucket          = []byte("fs_entry")
	entriesByPathBucket    = []byte("fs_entry_by_path")
	entriesByParentBucket  = []byte("fs_entry_by_parent")
	entriesByAliasBucket   = []byte("fs_entry_by_alias")
	filesBucket            = []byte("files")
	trashedFilesBucket     = []byte("files_trashed")
	directoriesBucket      = []byte("directories")
	vaultsBucket           = []byte("vault")
	s3VaultsBucket         = []byte("s3")
	vaultKeysBucket        = []byte("vault_keys")
	trashedVaultKeysBucket = []byte("vault_keys_trashed")
	apiKeysBucket          = []byte("api_keys")
	cacheIndexBucket       = []byte("cache_index")
	cacheByFileBucket      = []byte("cache_index_by_file")
	refreshTokensBucket    = []byte("refresh_tokens")
	syncPolicyBucket       = []byte("sync")
	syncEventsBucket       = []byte("sync_event")
	syncEventsByVaultBkt   = []byte("sync_event_by_vault")
	syncThroughputBucket   = []byte("sync_throughput")
	syncConflictsBucket    = []byte("sync_conflicts")
	conflictArtifactsBkt   = []byte("sync_conflict_artifacts")
)

var allBuckets = [][]byte{
	entriesBucket, entriesByPathBucket, entriesByParentBucket, entriesByAliasBucket,
	filesBucket, trashedFilesBucket, directoriesBucket,
	vaultsBucket, s3VaultsBucket, vaultKeysBucket, trashedVaultKeysBucket, apiKeysBucket,
	cacheIndexBucket, cacheByFileBucket, refreshTokensBucket,
	syncPolicyBucket, syncEventsBucket, syncEventsByVaultBkt,
	syncThroughputBucket, syncConflictsBucket, conflictArtifactsBkt,
}

// Store wraps the bbolt database with a bounded write-lease pool.
type Store struct {
	db             *bolt.DB
	leases         chan struct{}
	acquireTimeout time.Duration
}

// Options tunes the pool guarding write transactions.
type Options struct {
	PoolSize       int
	AcquireTimeout time.Duration
}

// Open opens (creating if needed) the metadata database and initializes every
// table bucket.
func Open(path string, opts Options) (*Store, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return ensureRoot(&Tx{tx: tx})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata db: %w", err)
	}

	return &Store{
		db:             db,
		leases:         make(chan struct{}, opts.PoolSize),
		acquireTimeout: opts.AcquireTimeout,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is one metadata transaction. All typed row operations hang off it so
// multi-row mutations stay atomic.
type Tx struct {
	tx *bolt.Tx
}

// Update runs fn inside a single read-write transaction. A lease is acquired
// for the transaction's span and released on every exit path; exhausting the
// pool within the acquire timeout fails with errs.ErrBusy. Any error from fn
// rolls the transaction back.
func (s *Store) Update(fn func(tx *Tx) error) error {
	select {
	case s.leases <- struct{}{}:
	case <-time.After(s.acquireTimeout):
		return fmt.Errorf("acquire db lease: %w", errs.ErrBusy)
	}
	defer func() { <-s.leases }()

	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View runs fn inside a single read-only snapshot, so an entry and its parent
// chain read within one call are mutually consistent.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// ensureRoot seeds the synthetic root entry (id 1, path "/") and its
// directories row on first open.
func ensureRoot(tx *Tx) error {
	if _, err := tx.GetEntry(RootEntryID); err == nil {
		return nil
	}

	// Consume sequence value 1 so freshly created entries start at 2.
	if _, err := tx.tx.Bucket(entriesBucket).NextSequence(); err != nil {
		return err
	}

	now := time.Now().Unix()
	root := &Entry{
		ID:        RootEntryID,
		Kind:      KindDirectory,
		Name:      "/",
		Path:      "/",
		Alias:     "ROOT",
		Mode:      0755,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.putEntry(root); err != nil {
		return err
	}
	return tx.putDirectory(&Directory{EntryID: RootEntryID})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// compositeKey builds an index key of the form <id BE8>/<suffix>.
func compositeKey(id uint64, suffix string) []byte {
	return append(itob(id), []byte(suffix)...)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return errs.ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal row: %w", errs.ErrCorrupt)
	}
	return nil
}
