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

package managers

import (
	"context"
	"time"

	"github.com/orcaman/concurrent-map"

	"github.com/federa-dev/federa/storage"
)

const (
	defaultPurgeInterval = 30 * time.Second
)

// memoryMapStore provides the in-memory storage.Store backed by a concurrent
// map. The store's methods are safe to call from multiple Go routines.
type memoryMapStore struct {
	table cmap.ConcurrentMap
}

// NewMemoryMapStore creates a new in-memory storage.Store. Records with a
// store level expiration are purged in the background until the provided
// context is done.
func NewMemoryMapStore(ctx context.Context) storage.Store {
	s := &memoryMapStore{
		table: cmap.New(),
	}

	// Cleanup function.
	go func() {
		ticker := time.NewTicker(defaultPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.purgeExpired()
			case <-ctx.Done():
				return
			}
		}
	}()

	return s
}

func (s *memoryMapStore) purgeExpired() {
	var expired []string
	now := time.Now()
	for entry := range s.table.IterBuffered() {
		record := entry.Val.(*storage.Record)
		if record.Expired(now) {
			expired = append(expired, entry.Key)
		}
	}
	for _, key := range expired {
		s.table.Remove(key)
	}
}

func (s *memoryMapStore) Get(key string) (*storage.Record, bool) {
	stored, found := s.table.Get(key)
	if !found {
		return nil, false
	}
	record := stored.(*storage.Record)
	if record.Expired(time.Now()) {
		return nil, false
	}

	return record, true
}

func (s *memoryMapStore) Put(key string, value []byte, ttl time.Duration) error {
	record := &storage.Record{
		Value:   value,
		Created: time.Now(),
	}
	if ttl > 0 {
		record.Expires = record.Created.Add(ttl)
	}
	s.table.Set(key, record)

	return nil
}

func (s *memoryMapStore) Delete(key string) error {
	s.table.Remove(key)

	return nil
}

func (s *memoryMapStore) Pop(key string) (*storage.Record, bool) {
	stored, found := s.table.Pop(key)
	if !found {
		return nil, false
	}
	record := stored.(*storage.Record)
	if record.Expired(time.Now()) {
		return nil, false
	}

	return record, true
}

func (s *memoryMapStore) ScanAll() <-chan storage.Entry {
	entries := make(chan storage.Entry)
	go func() {
		defer close(entries)
		now := time.Now()
		for entry := range s.table.IterBuffered() {
			record := entry.Val.(*storage.Record)
			if record.Expired(now) {
				continue
			}
			entries <- storage.Entry{
				Key:    entry.Key,
				Record: record,
			}
		}
	}()

	return entries
}

func (s *memoryMapStore) GetTimestamp(key string) (time.Time, bool) {
	record, found := s.Get(key)
	if !found {
		return time.Time{}, false
	}

	return record.Created, true
}

func (s *memoryMapStore) GetExpiration(key string) (time.Time, bool) {
	record, found := s.Get(key)
	if !found {
		return time.Time{}, false
	}

	return record.Expires, true
}
