/*
 * Copyright 2019 Federa and its licensors
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
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go SQLite driver.

	"github.com/federa-dev/federa/storage"
)

// sqliteStore provides the relational storage.Store. It is a pure storage
// driver, all expiration business logic lives with the callers.
type sqliteStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// NewSQLiteStore creates a new storage.Store backed by a SQLite database at
// the provided path. The schema is created when not present. Records with a
// store level expiration are purged in the background until the provided
// context is done.
func NewSQLiteStore(ctx context.Context, path string, logger logrus.FieldLogger) (storage.Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created INTEGER NOT NULL,
		expires INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &sqliteStore{
		db:     db,
		logger: logger,
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
				db.Close()
				return
			}
		}
	}()

	return s, nil
}

func (s *sqliteStore) purgeExpired() {
	_, err := s.db.Exec(`DELETE FROM records WHERE expires > 0 AND expires <= ?`, time.Now().UnixNano())
	if err != nil {
		s.logger.WithError(err).Warnln("sqlite store purge failed")
	}
}

func recordFromRow(value []byte, created int64, expires int64) *storage.Record {
	record := &storage.Record{
		Value:   value,
		Created: time.Unix(0, created),
	}
	if expires > 0 {
		record.Expires = time.Unix(0, expires)
	}

	return record
}

func (s *sqliteStore) Get(key string) (*storage.Record, bool) {
	var value []byte
	var created, expires int64
	err := s.db.QueryRow(`SELECT value, created, expires FROM records WHERE key = ?`, key).Scan(&value, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.WithError(err).Errorln("sqlite store get failed")
		return nil, false
	}
	record := recordFromRow(value, created, expires)
	if record.Expired(time.Now()) {
		return nil, false
	}

	return record, true
}

func (s *sqliteStore) Put(key string, value []byte, ttl time.Duration) error {
	created := time.Now()
	var expires int64
	if ttl > 0 {
		expires = created.Add(ttl).UnixNano()
	}
	_, err := s.db.Exec(
		`INSERT INTO records (key, value, created, expires) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, created = excluded.created, expires = excluded.expires`,
		key, value, created.UnixNano(), expires,
	)

	return err
}

func (s *sqliteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, key)

	return err
}

func (s *sqliteStore) Pop(key string) (*storage.Record, bool) {
	// DELETE with RETURNING makes remove and fetch one atomic statement, so
	// concurrent Pop calls for the same key see exactly one winner.
	var value []byte
	var created, expires int64
	err := s.db.QueryRow(`DELETE FROM records WHERE key = ? RETURNING value, created, expires`, key).Scan(&value, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.WithError(err).Errorln("sqlite store pop failed")
		return nil, false
	}
	record := recordFromRow(value, created, expires)
	if record.Expired(time.Now()) {
		return nil, false
	}

	return record, true
}

func (s *sqliteStore) ScanAll() <-chan storage.Entry {
	entries := make(chan storage.Entry)
	go func() {
		defer close(entries)
		rows, err := s.db.Query(`SELECT key, value, created, expires FROM records`)
		if err != nil {
			s.logger.WithError(err).Errorln("sqlite store scan failed")
			return
		}
		defer rows.Close()
		now := time.Now()
		for rows.Next() {
			var key string
			var value []byte
			var created, expires int64
			if err := rows.Scan(&key, &value, &created, &expires); err != nil {
				s.logger.WithError(err).Errorln("sqlite store scan row failed")
				return
			}
			record := recordFromRow(value, created, expires)
			if record.Expired(now) {
				continue
			}
			entries <- storage.Entry{
				Key:    key,
				Record: record,
			}
		}
	}()

	return entries
}

func (s *sqliteStore) GetTimestamp(key string) (time.Time, bool) {
	record, found := s.Get(key)
	if !found {
		return time.Time{}, false
	}

	return record.Created, true
}

func (s *sqliteStore) GetExpiration(key string) (time.Time, bool) {
	record, found := s.Get(key)
	if !found {
		return time.Time{}, false
	}

	return record.Expires, true
}
