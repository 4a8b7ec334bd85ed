package metadata

import (
	"sort"
)

// The auth module owns refresh-token issuance; the core only reads and prunes
// these rows.

// GetRefreshToken fetches a token row by id.
func (tx *Tx) GetRefreshToken(id uint64) (*RefreshToken, error) {
	var t RefreshToken
	if err := getJSON(tx.tx.Bucket(refreshTokensBucket), itob(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListRefreshTokens returns the token rows of a user.
func (tx *Tx) ListRefreshTokens(userID uint64) ([]*RefreshToken, error) {
	var out []*RefreshToken
	err := tx.tx.Bucket(refreshTokensBucket).ForEach(func(k, _ []byte) error {
		var t RefreshToken
		if err := getJSON(tx.tx.Bucket(refreshTokensBucket), k, &t); err != nil {
			return err
		}
		if t.UserID == userID {
			out = append(out, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PruneExpiredRefreshTokens deletes rows past their expiry and returns how
// many were removed.
func (tx *Tx) PruneExpiredRefreshTokens(now int64) (int, error) {
	b := tx.tx.Bucket(refreshTokensBucket)

	var stale [][]byte
	err := b.ForEach(func(k, _ []byte) error {
		var t RefreshToken
		if err := getJSON(b, k, &t); err != nil {
			return err
		}
		if t.ExpiresAt != 0 && t.ExpiresAt < now {
			key := make([]byte, len(k))
			copy(key, k)
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// PutRefreshToken exists for tests and for the auth module's writer path.
func (tx *Tx) PutRefreshToken(t *RefreshToken) error {
	if t.ID == 0 {
		id, err := tx.tx.Bucket(refreshTokensBucket).NextSequence()
		if err != nil {
			return err
		}
		t.ID = id
	}
	return putJSON(tx.tx.Bucket(refreshTokensBucket), itob(t.ID), t)
}
