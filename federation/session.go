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
	"time"
)

// TicketKeyPrefix is the storage key prefix for ticket records. It lets scan
// consumers tell ticket records apart from other records sharing the store.
const TicketKeyPrefix = "tgt/"

// subjectKeyPrefix is the storage key prefix of the subject index, mapping a
// subject to its active ticket ID.
const subjectKeyPrefix = "sub/"

// TicketKey returns the storage key for the provided ticket ID.
func TicketKey(ticketID string) string {
	return TicketKeyPrefix + ticketID
}

func subjectKey(subject string) string {
	return subjectKeyPrefix + subject
}

// Ticket is the server side session token representing one authenticated
// principal. It is created on successful authentication upstream of this
// core.
type Ticket struct {
	ID      string `json:"id"`
	Subject string `json:"sub"`

	CreatedAt   time.Time `json:"created_at"`
	LastTouched time.Time `json:"last_touched"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Attributes is a free form bag, holding for example the authentication
	// level and the originating AuthSP.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ServiceProviderBinding records one service provider's participation in a
// session.
type ServiceProviderBinding struct {
	SPID     string    `json:"sp_id"`
	LastSync time.Time `json:"last_sync"`
}

// UserSession is the federation level view of a Ticket, tracking the set of
// service providers with an active login derived from it. Bindings keep
// insertion order, which also is the front-channel notification order.
type UserSession struct {
	Subject  string `json:"sub"`
	TicketID string `json:"ticket_id"`

	Bindings []*ServiceProviderBinding `json:"bindings,omitempty"`

	// InitiatorID names the party which started the current logout, empty
	// when no logout is in progress. LogoutRequestID is the correlation ID
	// of the initiating request, kept so the final response can reference it
	// after all bindings are gone.
	InitiatorID     string `json:"initiator_id,omitempty"`
	LogoutRequestID string `json:"logout_request_id,omitempty"`

	// PendingLegID is the message ID of the outstanding front-channel
	// logout request, empty when no front-channel leg is in flight. Timeout
	// tasks compare against it to detect that they are stale.
	PendingLegID string `json:"pending_leg_id,omitempty"`
}

// Binding returns the binding for the provided service provider, if any.
func (s *UserSession) Binding(spID string) *ServiceProviderBinding {
	for _, binding := range s.Bindings {
		if binding.SPID == spID {
			return binding
		}
	}

	return nil
}

// AddBinding attaches the provided service provider to the accociated
// session. Bindings are unique by service provider ID, adding an already
// attached one is a no-op.
func (s *UserSession) AddBinding(spID string, now time.Time) {
	if s.Binding(spID) != nil {
		return
	}
	s.Bindings = append(s.Bindings, &ServiceProviderBinding{
		SPID:     spID,
		LastSync: now,
	})
}

// RemoveBinding detaches the provided service provider. Removing an unknown
// one is a no-op.
func (s *UserSession) RemoveBinding(spID string) {
	for idx, binding := range s.Bindings {
		if binding.SPID == spID {
			s.Bindings = append(s.Bindings[:idx], s.Bindings[idx+1:]...)
			return
		}
	}
}

// SPIDs returns the service provider IDs of all bindings in insertion order.
func (s *UserSession) SPIDs() []string {
	ids := make([]string, 0, len(s.Bindings))
	for _, binding := range s.Bindings {
		ids = append(ids, binding.SPID)
	}

	return ids
}

// ticketRecord is the persisted state layout, one record per ticket ID with
// the embedded UserSession.
type ticketRecord struct {
	Ticket  *Ticket      `json:"ticket"`
	Session *UserSession `json:"session,omitempty"`
}
