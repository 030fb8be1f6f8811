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

package codec

import (
	"time"
)

// Message types.
const (
	TypeLogoutRequest  = "logout-request"
	TypeLogoutResponse = "logout-response"

	// Session update messages ride the same signed wire form. Register
	// attaches the issuing service provider to a ticket, sync refreshes its
	// binding's last-sync timestamp.
	TypeSessionRegister = "session-register"
	TypeSessionSync     = "session-sync"
)

// Protocol status codes carried by logout responses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusDenied  = "denied"
)

// Message is the decoded form of a single protocol message. Messages are
// value carriers without behavior, building and signing is the codec's job.
type Message struct {
	ID           string
	Type         string
	SubjectID    string
	Issuer       string
	Destination  string
	InResponseTo string
	Status       string
	TicketID     string
	IssuedAt     time.Time
}

// Validate returns a protocol error when the accociated message misses
// required fields for its type.
func (m *Message) Validate() error {
	if m.ID == "" {
		return NewProtocolError(ErrorCodecInvalidMessage, "message has no id")
	}
	if m.Issuer == "" {
		return NewProtocolError(ErrorCodecInvalidMessage, "message has no issuer")
	}
	switch m.Type {
	case TypeLogoutRequest:
		if m.SubjectID == "" {
			return NewProtocolError(ErrorCodecInvalidMessage, "logout request has no subject")
		}
	case TypeLogoutResponse:
		if m.Status == "" {
			return NewProtocolError(ErrorCodecInvalidMessage, "logout response has no status")
		}
	case TypeSessionRegister:
		if m.TicketID == "" || m.SubjectID == "" {
			return NewProtocolError(ErrorCodecInvalidMessage, "session register needs ticket and subject")
		}
	case TypeSessionSync:
		if m.TicketID == "" {
			return NewProtocolError(ErrorCodecInvalidMessage, "session sync has no ticket")
		}
	default:
		return NewProtocolError(ErrorCodecInvalidMessage, "unknown message type")
	}

	return nil
}

// Codec is a interface defining the protocol codec. Implementations build,
// sign, verify, encode and decode messages and hold no per-message state.
type Codec interface {
	BuildLogoutRequest(subjectID string, issuer string, destination string) *Message
	BuildLogoutResponse(issuer string, status string, inResponseTo string, destination string) *Message
	// BuildSessionUpdate builds a session-register or session-sync message.
	// On the wire these arrive from partners; the builder is here for the
	// sending side of the protocol.
	BuildSessionUpdate(messageType string, ticketID string, subjectID string, issuer string) *Message
	// Encode signs the provided message with the node's private key and
	// returns its wire form.
	Encode(msg *Message) (string, error)
	// Decode parses and verifies the provided wire form. The signature is
	// verified with the sending partner's public key, unknown partners and
	// bad signatures yield a protocol error.
	Decode(raw string) (*Message, error)
}
