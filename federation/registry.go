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

package federation

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/federa-dev/federa/storage"
)

// ErrTicketNotFound is returned by registry mutations targeting a ticket
// which does not exist. Callers racing the sweeper or a prior logout leg
// treat it as "already logged out".
var ErrTicketNotFound = errors.New("ticket not found")

const lockShards = 64

// Registry implements the federation registry, the per-ticket session data
// layered on the generic store. All mutation is read-modify-write against
// the store; the registry serializes mutators per ticket with a sharded
// keyed mutex, so concurrent mutators of the same ticket cannot lose
// updates. The Registry's methods are safe to call from multiple Go
// routines.
type Registry struct {
	store  storage.Store
	locks  [lockShards]sync.Mutex
	logger logrus.FieldLogger
}

// NewRegistry creates a new Registry using the provided store.
func NewRegistry(store storage.Store, logger logrus.FieldLogger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
	}
}

func (r *Registry) lockFor(ticketID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ticketID))

	return &r.locks[h.Sum32()%lockShards]
}

func (r *Registry) load(ticketID string) (*ticketRecord, bool) {
	stored, found := r.store.Get(TicketKey(ticketID))
	if !found {
		return nil, false
	}
	record := &ticketRecord{}
	if err := json.Unmarshal(stored.Value, record); err != nil {
		r.logger.WithError(err).WithField("ticket_id", ticketID).Errorln("failed to decode ticket record")
		return nil, false
	}

	return record, true
}

func (r *Registry) save(ticketID string, record *ticketRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return r.store.Put(TicketKey(ticketID), value, 0)
}

// mutate runs f on the ticket record for ticketID inside the per-ticket
// critical section and writes the record back in full.
func (r *Registry) mutate(ticketID string, f func(record *ticketRecord) error) error {
	lock := r.lockFor(ticketID)
	lock.Lock()
	defer lock.Unlock()

	record, found := r.load(ticketID)
	if !found {
		return ErrTicketNotFound
	}
	if err := f(record); err != nil {
		return err
	}

	return r.save(ticketID, record)
}

// PutTicket stores the provided ticket, creating its embedded UserSession
// when not yet present. Existing session state of a known ticket is kept.
func (r *Registry) PutTicket(ticket *Ticket) error {
	lock := r.lockFor(ticket.ID)
	lock.Lock()
	defer lock.Unlock()

	record, found := r.load(ticket.ID)
	if !found {
		record = &ticketRecord{}
	}
	record.Ticket = ticket
	if record.Session == nil {
		record.Session = &UserSession{
			Subject:  ticket.Subject,
			TicketID: ticket.ID,
		}
	}

	if err := r.store.Put(subjectKey(ticket.Subject), []byte(ticket.ID), 0); err != nil {
		return err
	}

	return r.save(ticket.ID, record)
}

// GetTicketIDBySubject resolves the active ticket of the provided subject.
// A subject has at most one active ticket, re-authentication replaces the
// index entry.
func (r *Registry) GetTicketIDBySubject(subject string) (string, bool) {
	stored, found := r.store.Get(subjectKey(subject))
	if !found {
		return "", false
	}

	return string(stored.Value), true
}

// GetTicket returns the ticket stored under the provided ID, if any.
func (r *Registry) GetTicket(ticketID string) (*Ticket, bool) {
	record, found := r.load(ticketID)
	if !found {
		return nil, false
	}

	return record.Ticket, true
}

// GetSession returns the UserSession of the provided ticket, if any.
func (r *Registry) GetSession(ticketID string) (*UserSession, bool) {
	record, found := r.load(ticketID)
	if !found || record.Session == nil {
		return nil, false
	}

	return record.Session, true
}

// AddBinding idempotently attaches the provided service provider to the
// session of the provided ticket.
func (r *Registry) AddBinding(ticketID string, spID string) error {
	return r.mutate(ticketID, func(record *ticketRecord) error {
		if record.Session == nil {
			record.Session = &UserSession{
				Subject:  record.Ticket.Subject,
				TicketID: ticketID,
			}
		}
		record.Session.AddBinding(spID, time.Now())

		return nil
	})
}

// RemoveBinding removes the provided service provider's binding if present.
// Removing an absent binding is not an error.
func (r *Registry) RemoveBinding(ticketID string, spID string) error {
	return r.mutate(ticketID, func(record *ticketRecord) error {
		if record.Session != nil {
			record.Session.RemoveBinding(spID)
		}

		return nil
	})
}

// TouchBinding updates the binding's last-sync timestamp. The ticket's own
// timestamp is only bumped when touchTicket is set - session-sync traffic
// alone must not reset absolute-timeout accounting.
func (r *Registry) TouchBinding(ticketID string, spID string, now time.Time, touchTicket bool) error {
	return r.mutate(ticketID, func(record *ticketRecord) error {
		if record.Session == nil {
			return nil
		}
		if binding := record.Session.Binding(spID); binding != nil {
			binding.LastSync = now
		}
		if touchTicket {
			record.Ticket.LastTouched = now
		}

		return nil
	})
}

// SetInitiator records which party started the current logout together with
// the correlation ID of its request, so the final response target is known
// even after all bindings are removed.
func (r *Registry) SetInitiator(ticketID string, spID string, requestID string) error {
	return r.mutate(ticketID, func(record *ticketRecord) error {
		if record.Session == nil {
			record.Session = &UserSession{
				Subject:  record.Ticket.Subject,
				TicketID: ticketID,
			}
		}
		record.Session.InitiatorID = spID
		record.Session.LogoutRequestID = requestID

		return nil
	})
}

// SetPendingLeg records the message ID of the in-flight front-channel logout
// request. Timeout tasks carry the same ID and must find it unchanged to be
// considered current.
func (r *Registry) SetPendingLeg(ticketID string, legID string) error {
	return r.mutate(ticketID, func(record *ticketRecord) error {
		if record.Session == nil {
			return nil
		}
		record.Session.PendingLegID = legID

		return nil
	})
}

// GetInitiator returns the current logout initiator and the correlation ID
// of its request. Both are empty when no logout is in progress.
func (r *Registry) GetInitiator(ticketID string) (string, string) {
	session, found := r.GetSession(ticketID)
	if !found {
		return "", ""
	}

	return session.InitiatorID, session.LogoutRequestID
}

// DeleteSession removes the session and its ticket. Ticket and session share
// one record, destroying one destroys both.
func (r *Registry) DeleteSession(ticketID string) error {
	lock := r.lockFor(ticketID)
	lock.Lock()
	defer lock.Unlock()

	if record, found := r.load(ticketID); found && record.Ticket != nil {
		if current, ok := r.store.Get(subjectKey(record.Ticket.Subject)); ok && string(current.Value) == ticketID {
			r.store.Delete(subjectKey(record.Ticket.Subject))
		}
	}

	return r.store.Delete(TicketKey(ticketID))
}

// DeleteTicket removes the ticket and its embedded session.
func (r *Registry) DeleteTicket(ticketID string) error {
	return r.DeleteSession(ticketID)
}

// TicketEntry is one scan result, pairing a ticket with its session.
type TicketEntry struct {
	Ticket  *Ticket
	Session *UserSession
}

// ScanTickets walks all ticket records currently in the store. The snapshot
// semantics are those of the underlying store's scan, records added or
// removed while scanning may or may not be seen.
func (r *Registry) ScanTickets() <-chan *TicketEntry {
	out := make(chan *TicketEntry)
	go func() {
		defer close(out)
		for entry := range r.store.ScanAll() {
			if !strings.HasPrefix(entry.Key, TicketKeyPrefix) {
				continue
			}
			record := &ticketRecord{}
			if err := json.Unmarshal(entry.Record.Value, record); err != nil {
				r.logger.WithError(err).WithField("key", entry.Key).Warnln("skipping broken ticket record in scan")
				continue
			}
			out <- &TicketEntry{
				Ticket:  record.Ticket,
				Session: record.Session,
			}
		}
	}()

	return out
}
