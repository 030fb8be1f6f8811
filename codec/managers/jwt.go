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
	"crypto"
	"time"

	"github.com/dgrijalva/jwt-go"
	uuid "github.com/satori/go.uuid"

	"github.com/federa-dev/federa/codec"
)

// Private claim names used by the JWT wire form.
const (
	typeClaim         = "federa/type"
	statusClaim       = "federa/status"
	inResponseToClaim = "federa/irt"
	ticketClaim       = "federa/tgt"
)

// PartnerKeyFunc looks up the public key of the partner identified by the
// provided entity ID.
type PartnerKeyFunc func(entityID string) (crypto.PublicKey, error)

// jwtCodec implements the protocol codec with messages carried as signed
// compact JWTs. It is stateless and safe to call from multiple Go routines.
type jwtCodec struct {
	signingMethod jwt.SigningMethod
	signingKey    crypto.PrivateKey
	signingKeyID  string

	partnerKey PartnerKeyFunc
}

// NewJWTCodec creates a codec.Codec signing outbound messages with the
// provided key and verifying inbound messages with partner keys resolved
// through the provided PartnerKeyFunc.
func NewJWTCodec(signingMethod jwt.SigningMethod, signingKey crypto.PrivateKey, signingKeyID string, partnerKey PartnerKeyFunc) codec.Codec {
	return &jwtCodec{
		signingMethod: signingMethod,
		signingKey:    signingKey,
		signingKeyID:  signingKeyID,

		partnerKey: partnerKey,
	}
}

func (c *jwtCodec) BuildLogoutRequest(subjectID string, issuer string, destination string) *codec.Message {
	return &codec.Message{
		ID:          uuid.NewV4().String(),
		Type:        codec.TypeLogoutRequest,
		SubjectID:   subjectID,
		Issuer:      issuer,
		Destination: destination,
		IssuedAt:    time.Now(),
	}
}

func (c *jwtCodec) BuildLogoutResponse(issuer string, status string, inResponseTo string, destination string) *codec.Message {
	return &codec.Message{
		ID:           uuid.NewV4().String(),
		Type:         codec.TypeLogoutResponse,
		Issuer:       issuer,
		Destination:  destination,
		InResponseTo: inResponseTo,
		Status:       status,
		IssuedAt:     time.Now(),
	}
}

func (c *jwtCodec) BuildSessionUpdate(messageType string, ticketID string, subjectID string, issuer string) *codec.Message {
	return &codec.Message{
		ID:        uuid.NewV4().String(),
		Type:      messageType,
		SubjectID: subjectID,
		Issuer:    issuer,
		TicketID:  ticketID,
		IssuedAt:  time.Now(),
	}
}

func (c *jwtCodec) Encode(msg *codec.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"jti":     msg.ID,
		"iss":     msg.Issuer,
		"iat":     msg.IssuedAt.Unix(),
		typeClaim: msg.Type,
	}
	if msg.SubjectID != "" {
		claims["sub"] = msg.SubjectID
	}
	if msg.Destination != "" {
		claims["aud"] = msg.Destination
	}
	if msg.InResponseTo != "" {
		claims[inResponseToClaim] = msg.InResponseTo
	}
	if msg.Status != "" {
		claims[statusClaim] = msg.Status
	}
	if msg.TicketID != "" {
		claims[ticketClaim] = msg.TicketID
	}

	token := jwt.NewWithClaims(c.signingMethod, claims)
	if c.signingKeyID != "" {
		token.Header["kid"] = c.signingKeyID
	}

	return token.SignedString(c.signingKey)
}

func (c *jwtCodec) Decode(raw string) (*codec.Message, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != c.signingMethod.Alg() {
			return nil, codec.NewProtocolError(codec.ErrorCodecInvalidSignature, "unexpected signing method")
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "unexpected claims")
		}
		issuer, _ := claims["iss"].(string)
		if issuer == "" {
			return nil, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "message has no issuer")
		}
		key, keyErr := c.partnerKey(issuer)
		if keyErr != nil {
			return nil, codec.NewProtocolError(codec.ErrorCodecUnknownPartner, keyErr.Error())
		}

		return key, nil
	})
	if err != nil {
		if _, ok := err.(*codec.ProtocolError); ok {
			return nil, err
		}
		if validationError, ok := err.(*jwt.ValidationError); ok {
			if inner, ok := validationError.Inner.(*codec.ProtocolError); ok {
				return nil, inner
			}
		}
		return nil, codec.NewProtocolError(codec.ErrorCodecInvalidSignature, err.Error())
	}
	if !token.Valid {
		return nil, codec.NewProtocolError(codec.ErrorCodecInvalidSignature, "token not valid")
	}

	claims := token.Claims.(jwt.MapClaims)
	msg := &codec.Message{}
	msg.ID, _ = claims["jti"].(string)
	msg.Issuer, _ = claims["iss"].(string)
	msg.SubjectID, _ = claims["sub"].(string)
	msg.Destination, _ = claims["aud"].(string)
	msg.Type, _ = claims[typeClaim].(string)
	msg.Status, _ = claims[statusClaim].(string)
	msg.InResponseTo, _ = claims[inResponseToClaim].(string)
	msg.TicketID, _ = claims[ticketClaim].(string)
	if iat, ok := claims["iat"].(float64); ok {
		msg.IssuedAt = time.Unix(int64(iat), 0)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}
