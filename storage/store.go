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

package storage

import (
	"time"
)

// Record is a single stored value together with its timestamps.
type Record struct {
	Value   []byte
	Created time.Time
	// Expires is the store level expiration deadline. A zero value means the
	// record never expires on its own and its lifetime is owned by the
	// caller.
	Expires time.Time
}

// Expired returns true if the accociated record has a store level expiration
// deadline which has passed at the provided time.
func (r *Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Entry pairs a key with its record for scan results.
type Entry struct {
	Key    string
	Record *Record
}

// Store is a interface defining a generic key/value store with expiration
// support. All implementations must be safe to call from multiple Go
// routines.
type Store interface {
	// Get returns the record stored under key, if any.
	Get(key string) (*Record, bool)
	// Put stores value under key. A ttl of 0 stores the record without a
	// store level expiration.
	Put(key string, value []byte, ttl time.Duration) error
	// Delete removes the record stored under key. Deleting an unknown key is
	// not an error.
	Delete(key string) error
	// Pop atomically removes and returns the record stored under key. For
	// every stored record at most one concurrent Pop can succeed.
	Pop(key string) (*Record, bool)
	// ScanAll returns a channel yielding every record currently in the
	// store. The snapshot semantics are those of the backing implementation.
	ScanAll() <-chan Entry
	// GetTimestamp returns the creation time of the record stored under key.
	GetTimestamp(key string) (time.Time, bool)
	// GetExpiration returns the store level expiration deadline of the
	// record stored under key.
	GetExpiration(key string) (time.Time, bool)
}
