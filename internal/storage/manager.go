package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/crypto"
	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/s3"
)

// Manager owns per-vault engine lifecycle and routes paths to engines. It is
// the single registrar of engines; everyone else borrows them by vault id.
type Manager struct {
	store    *metadata.Store
	provider crypto.MasterKeyProvider
	cfg      *config.Config
	log      *slog.Logger

	mu      sync.RWMutex
	engines map[uint64]*Engine
}

func NewManager(store *metadata.Store, provider crypto.MasterKeyProvider, cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		provider: provider,
		cfg:      cfg,
		log:      log,
		engines:  make(map[uint64]*Engine),
	}
}

// LoadVaults enumerates active vaults and constructs their engines.
func (m *Manager) LoadVaults(ctx context.Context) error {
	var vaults []*metadata.Vault
	err := m.store.View(func(tx *metadata.Tx) error {
		var err error
		vaults, err = tx.ListVaults()
		return err
	})
	if err != nil {
		return fmt.Errorf("list vaults: %w", err)
	}

	for _, v := range vaults {
		if !v.IsActive {
			continue
		}
		if err := m.Register(ctx, v); err != nil {
			m.log.Error("vault engine init failed", "vault", v.Name, "error", err)
			continue
		}
	}
	return nil
}

// Register constructs and installs the engine for a vault.
func (m *Manager) Register(ctx context.Context, v *metadata.Vault) error {
	p := paths.New(m.cfg.Fuse.RootMountPath, m.cfg.Storage.BackingRoot, m.cfg.Caching.Path, v.MountPoint, v.MountPoint)
	keys := NewKeyRing(m.store, m.provider, v.ID)

	var engine *Engine
	switch v.Type {
	case metadata.VaultLocal:
		engine = &Engine{Local: NewLocalEngine(m.store, v, p, keys, false, m.log)}

	case metadata.VaultS3:
		var s3v *metadata.S3Vault
		var apiKey *metadata.APIKey
		err := m.store.View(func(tx *metadata.Tx) error {
			var err error
			if s3v, err = tx.GetS3Vault(v.ID); err != nil {
				return fmt.Errorf("s3 row: %w", err)
			}
			if apiKey, err = tx.GetAPIKey(s3v.APIKeyID); err != nil {
				return fmt.Errorf("api key %d: %w", s3v.APIKeyID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		creds, err := m.decryptCredentials(apiKey)
		if err != nil {
			return err
		}
		ctl := s3.New(creds, s3v.Bucket, s3.Config{
			Timeout:     time.Duration(m.cfg.S3.TimeoutSecs) * time.Second,
			PartTimeout: time.Duration(m.cfg.S3.PartTimeoutSecs) * time.Second,
			Logger:      m.log,
		})
		engine = &Engine{Cloud: NewCloudEngine(m.store, v, s3v, p, keys, ctl, m.log)}

	default:
		return fmt.Errorf("vault type %q: %w", v.Type, errs.ErrInvalidArgument)
	}

	m.mu.Lock()
	m.engines[v.ID] = engine
	m.mu.Unlock()
	m.log.Info("vault engine registered", "vault", v.Name, "type", v.Type, "mount", v.MountPoint)
	return nil
}

// decryptCredentials resolves the api key's secret under the master key. The
// intermediate plaintext buffer is zeroed before returning.
func (m *Manager) decryptCredentials(k *metadata.APIKey) (s3.Credentials, error) {
	iv, err := crypto.DecodeIV(k.IV)
	if err != nil {
		return s3.Credentials{}, err
	}

	var secret []byte
	err = m.provider.WithMasterKey(func(master []byte) error {
		var err error
		secret, err = crypto.Decrypt(k.EncryptedSecret, master, iv)
		return err
	})
	if err != nil {
		return s3.Credentials{}, fmt.Errorf("decrypt api key secret: %w", err)
	}

	creds := s3.Credentials{
		AccessKey: k.AccessKey,
		SecretKey: string(secret),
		Region:    k.Region,
		Endpoint:  k.Endpoint,
	}
	crypto.Zero(secret)
	return creds, nil
}

// Deregister tears down a vault's engine.
func (m *Manager) Deregister(vaultID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[vaultID]; ok {
		e.Close()
		delete(m.engines, vaultID)
	}
}

// Engine returns the engine registered for a vault.
func (m *Manager) Engine(vaultID uint64) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[vaultID]
	if !ok {
		return nil, fmt.Errorf("vault %d has no engine: %w", vaultID, errs.ErrNotFound)
	}
	return e, nil
}

// Engines snapshots the registered engines.
func (m *Manager) Engines() []*Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	return out
}

// ResolveVault routes a mount-relative path to the engine whose vault mount
// point prefixes it, returning the vault-relative remainder. Paths outside
// every vault resolve to (nil, path): only the synthetic read-only tree lives
// there.
func (m *Manager) ResolveVault(mountRel string) (*Engine, string) {
	mountRel = paths.MakeAbsolute(mountRel)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Engine
	bestLen := -1
	for _, e := range m.engines {
		mp := paths.MakeAbsolute(e.Vault().MountPoint)
		if mountRel != mp && !strings.HasPrefix(mountRel, mp+"/") {
			continue
		}
		if len(mp) > bestLen {
			best, bestLen = e, len(mp)
		}
	}
	if best == nil {
		return nil, mountRel
	}

	mp := paths.MakeAbsolute(best.Vault().MountPoint)
	if mountRel == mp {
		return best, "/"
	}
	return best, paths.MakeAbsolute(strings.TrimPrefix(mountRel, mp))
}

// ListDir lists the children of a directory entry through the store.
func (m *Manager) ListDir(parentID uint64) ([]*metadata.Entry, error) {
	var out []*metadata.Entry
	err := m.store.View(func(tx *metadata.Tx) error {
		var err error
		out, err = tx.ListChildren(parentID)
		return err
	})
	return out, err
}

// Close tears down every engine.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.engines {
		e.Close()
		delete(m.engines, id)
	}
}
