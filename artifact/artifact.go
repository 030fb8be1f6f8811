/*
 * Copyright 2018 Federa and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package artifact

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
	"stash.kopano.io/kgol/rndm"

	"github.com/federa-dev/federa/encryption"
	"github.com/federa-dev/federa/storage"
)

const (
	artifactKeyPrefix = "art/"
	handleLength      = 24

	// artifactValidDuration bounds how long an unresolved artifact stays
	// around before the store purges it.
	artifactValidDuration = 2 * time.Minute
)

// storageKey derives the storage key for a handle. Handles are hashed before
// use as keys so a dump of the backing store does not yield usable handles.
func storageKey(handle string) string {
	sum := blake2b.Sum256([]byte(handle))

	return artifactKeyPrefix + hex.EncodeToString(sum[:])
}

// Manager provides the api and state for one-time artifact handling. Pending
// outbound messages are parked under a short random handle instead of riding
// a browser redirect. The Manager's methods are safe to call from multiple
// Go routines.
type Manager struct {
	store storage.Store
	key   *[encryption.KeySize]byte
}

// NewManager creates a new artifact Manager on top of the provided store.
// Payloads are encrypted at rest with the provided key.
func NewManager(store storage.Store, key *[encryption.KeySize]byte) *Manager {
	return &Manager{
		store: store,
		key:   key,
	}
}

// Put stores the provided encoded message under a fresh random handle and
// returns the handle. Unresolved entries expire after a bounded lifetime.
func (m *Manager) Put(encoded string) (string, error) {
	handle := rndm.GenerateRandomString(handleLength)

	payload, err := encryption.Encrypt([]byte(encoded), m.key)
	if err != nil {
		return "", err
	}
	err = m.store.Put(storageKey(handle), payload, artifactValidDuration)
	if err != nil {
		return "", err
	}

	return handle, nil
}

// Resolve looks up and removes the entry for the provided handle. A repeated
// call with the same handle returns not-found; under concurrent resolution
// attempts exactly one caller wins. This at-most-once contract is a security
// property, replayed handles must never yield the message again.
func (m *Manager) Resolve(handle string) (string, bool) {
	record, found := m.store.Pop(storageKey(handle))
	if !found {
		return "", false
	}

	decrypted, err := encryption.Decrypt(record.Value, m.key)
	if err != nil {
		// Wrong or rotated node key. The entry already is consumed, there is
		// nothing to recover here.
		return "", false
	}

	return string(decrypted), true
}
