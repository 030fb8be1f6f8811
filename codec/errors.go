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
	"github.com/federa-dev/federa/utils"
)

// Protocol error IDs. Protocol errors are rejected immediately and never
// retried.
const (
	ErrorCodecInvalidMessage   = "invalid_message"
	ErrorCodecInvalidSignature = "invalid_signature"
	ErrorCodecUnknownPartner   = "unknown_partner"
	ErrorCodecUnknownArtifact  = "unknown_artifact"
	ErrorCodecAccessDenied     = "access_denied"
)

// ProtocolError defines a protocol level error with id and description.
type ProtocolError struct {
	ErrorID          string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Error implements the error interface.
func (err *ProtocolError) Error() string {
	return err.ErrorID
}

// Description implements the ErrorWithDescription interface.
func (err *ProtocolError) Description() string {
	return err.ErrorDescription
}

// NewProtocolError creates a new error with id and description.
func NewProtocolError(id string, description string) utils.ErrorWithDescription {
	return &ProtocolError{id, description}
}

// IsErrorWithID returns true if the given error is a ProtocolError with the
// given ID.
func IsErrorWithID(err error, id string) bool {
	if err == nil {
		return false
	}

	protocolError, ok := err.(*ProtocolError)
	if !ok {
		return false
	}

	return protocolError.ErrorID == id
}
