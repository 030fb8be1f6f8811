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

package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/federa-dev/federa"
	"github.com/federa-dev/federa/codec"
	"github.com/federa-dev/federa/delivery"
	"github.com/federa-dev/federa/federation"
	"github.com/federa-dev/federa/utils"
)

// sessionState is the response payload of the session endpoints.
type sessionState struct {
	Active   bool   `json:"active"`
	TicketID string `json:"ticket_id,omitempty"`
}

// LogoutHandler implements the HTTP endpoint for front-channel logout
// requests and responses arriving via browser redirect.
func (p *Provider) LogoutHandler(rw http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		p.logger.WithError(err).Debugln("logout request invalid form data")
		utils.WriteErrorPage(rw, http.StatusBadRequest, "", "failed to parse request parameters")
		return
	}
	data := &logoutRequestData{}
	if err := formDecoder.Decode(data, req.Form); err != nil {
		p.logger.WithError(err).Debugln("logout request invalid request data")
		utils.WriteErrorPage(rw, http.StatusBadRequest, "", "failed to decode request parameters")
		return
	}
	if data.Token == "" {
		// Artifact handles only travel outbound. A partner receiving one
		// resolves it at our artifact endpoint and delivers the token.
		if data.Artifact != "" {
			utils.WriteErrorPage(rw, http.StatusBadRequest, "", "artifact handles cannot be delivered here, resolve first")
			return
		}
		utils.WriteErrorPage(rw, http.StatusBadRequest, "", "no logout token")
		return
	}

	msg, err := p.codec.Decode(data.Token)
	if err != nil {
		p.logger.WithError(utils.DescribeError(err)).Debugln("rejecting logout message")
		utils.WriteErrorPage(rw, http.StatusBadRequest, "invalid logout message", utils.DescribeError(err).Error())
		return
	}
	ctx := federa.NewMessageContext(req.Context(), msg)

	switch msg.Type {
	case codec.TypeLogoutRequest:
		err = p.logoutManager.BrowserLogout(ctx, rw, msg)
	case codec.TypeLogoutResponse:
		err = p.logoutManager.BrowserLogoutResponse(ctx, rw, data.RelayState, msg)
	default:
		utils.WriteErrorPage(rw, http.StatusBadRequest, "", "unexpected message type")
		return
	}
	if err != nil {
		if _, ok := err.(*codec.ProtocolError); ok {
			utils.WriteErrorPage(rw, http.StatusBadRequest, "", utils.DescribeError(err).Error())
			return
		}
		p.logger.WithError(err).Errorln("logout handler failed")
		utils.WriteErrorPage(rw, http.StatusInternalServerError, "", "")
	}
}

// LogoutSOAPHandler implements the HTTP endpoint for back-channel logout
// requests. The full transaction runs synchronously, the response rides the
// HTTP response of the initiating call.
func (p *Provider) LogoutSOAPHandler(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(rw, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	token, err := delivery.DecodeSOAP(req.Body)
	if err != nil {
		p.writeProtocolError(rw, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, err.Error()))
		return
	}
	msg, err := p.codec.Decode(token)
	if err != nil {
		p.logger.WithError(utils.DescribeError(err)).Debugln("rejecting back-channel message")
		p.writeProtocolError(rw, err)
		return
	}
	ctx := federa.NewMessageContext(req.Context(), msg)

	switch msg.Type {
	case codec.TypeLogoutRequest:
		response := p.logoutManager.BackChannelLogout(ctx, msg)
		p.writeSOAP(rw, response)
	case codec.TypeLogoutResponse:
		// Final responses of transactions this node initiated towards other
		// coordinators. Nothing to correlate here, log and acknowledge.
		p.logger.WithFields(map[string]interface{}{
			"partner": msg.Issuer,
			"status":  msg.Status,
		}).Debugln("received back-channel logout response")
		payload, _ := delivery.EncodeSOAP("ack")
		rw.Header().Set("Content-Type", delivery.SOAPContentType)
		rw.Write(payload)
	default:
		p.writeProtocolError(rw, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "unexpected message type"))
	}
}

// ArtifactHandler implements the HTTP endpoint resolving parked messages. The
// request envelope carries the artifact handle, the response envelope the
// message. A handle resolves at most once.
func (p *Provider) ArtifactHandler(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(rw, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	handle, err := delivery.DecodeSOAP(req.Body)
	if err != nil {
		p.writeProtocolError(rw, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, err.Error()))
		return
	}

	encoded, found := p.artifacts.Resolve(handle)
	if !found {
		p.writeProtocolError(rw, codec.NewProtocolError(codec.ErrorCodecUnknownArtifact, "unknown or already resolved artifact"))
		return
	}

	payload, err := delivery.EncodeSOAP(encoded)
	if err != nil {
		p.logger.WithError(err).Errorln("failed to encode artifact response")
		http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", delivery.SOAPContentType)
	rw.Write(payload)
}

// SessionRegisterHandler implements the HTTP endpoint attaching a service
// provider to a ticket, creating the ticket first when a trusted partner
// registers an unknown one.
func (p *Provider) SessionRegisterHandler(rw http.ResponseWriter, req *http.Request) {
	msg, err := p.decodeSessionUpdate(req, codec.TypeSessionRegister)
	if err != nil {
		p.writeProtocolError(rw, err)
		return
	}
	ctx := federa.NewMessageContext(req.Context(), msg)

	if err := p.registerSession(ctx); err != nil {
		p.writeProtocolError(rw, err)
		return
	}

	utils.WriteJSON(rw, http.StatusOK, &sessionState{
		Active:   true,
		TicketID: msg.TicketID,
	}, "")
}

// SessionSyncHandler implements the HTTP endpoint refreshing a binding's
// last-sync timestamp. Sync traffic never extends the ticket's own lifetime.
func (p *Provider) SessionSyncHandler(rw http.ResponseWriter, req *http.Request) {
	msg, err := p.decodeSessionUpdate(req, codec.TypeSessionSync)
	if err != nil {
		p.writeProtocolError(rw, err)
		return
	}

	err = p.registry.TouchBinding(msg.TicketID, msg.Issuer, time.Now(), false)
	if err == federation.ErrTicketNotFound {
		utils.WriteJSON(rw, http.StatusOK, &sessionState{Active: false}, "")
		return
	}
	if err != nil {
		p.logger.WithError(err).Errorln("session sync failed")
		http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	utils.WriteJSON(rw, http.StatusOK, &sessionState{
		Active:   true,
		TicketID: msg.TicketID,
	}, "")
}

// SessionCheckHandler implements the HTTP endpoint telling a partner's page
// whether its user still has an active federation session. The handler is
// reachable cross-origin from registered partner origins.
func (p *Provider) SessionCheckHandler(rw http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(rw, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	data := &sessionCheckData{}
	if err := formDecoder.Decode(data, req.Form); err != nil || data.Subject == "" {
		http.Error(rw, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	origin := utils.OriginFromRequestHeaders(req.Header)
	p.logger.WithFields(map[string]interface{}{
		"sub":    data.Subject,
		"origin": origin,
	}).Debugln("session check")

	state := &sessionState{}
	if ticketID, found := p.registry.GetTicketIDBySubject(data.Subject); found {
		if ticket, ok := p.registry.GetTicket(ticketID); ok {
			state.Active = ticket.ExpiresAt.IsZero() || time.Now().Before(ticket.ExpiresAt)
		}
	}

	utils.WriteJSON(rw, http.StatusOK, state, "")
}

func (p *Provider) decodeSessionUpdate(req *http.Request, expectedType string) (*codec.Message, error) {
	if req.Method != http.MethodPost {
		return nil, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "session updates are POST only")
	}
	if err := req.ParseForm(); err != nil {
		return nil, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "failed to parse request parameters")
	}
	data := &sessionUpdateData{}
	if err := formDecoder.Decode(data, req.PostForm); err != nil || data.Token == "" {
		return nil, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "no session token")
	}

	msg, err := p.codec.Decode(data.Token)
	if err != nil {
		return nil, err
	}
	if msg.Type != expectedType {
		return nil, codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "unexpected message type")
	}

	return msg, nil
}

// registerSession applies the verified session register message carried by
// the provided context.
func (p *Provider) registerSession(ctx context.Context) error {
	msg, ok := federa.FromMessageContext(ctx)
	if !ok {
		return codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "no message")
	}

	now := time.Now()
	if _, found := p.registry.GetTicket(msg.TicketID); !found {
		partner, ok := p.partners.Lookup(msg.Issuer)
		if !ok || !partner.Trusted {
			return codec.NewProtocolError(codec.ErrorCodecAccessDenied, "partner cannot create tickets")
		}
		err := p.registry.PutTicket(&federation.Ticket{
			ID:          msg.TicketID,
			Subject:     msg.SubjectID,
			CreatedAt:   now,
			LastTouched: now,
			ExpiresAt:   now.Add(p.ticketLifetime),
		})
		if err != nil {
			return err
		}
	}

	if err := p.registry.AddBinding(msg.TicketID, msg.Issuer); err != nil {
		return err
	}

	return p.registry.TouchBinding(msg.TicketID, msg.Issuer, now, true)
}

// writeSOAP signs the message and writes it as SOAP envelope.
func (p *Provider) writeSOAP(rw http.ResponseWriter, msg *codec.Message) {
	token, err := p.codec.Encode(msg)
	if err != nil {
		p.logger.WithError(err).Errorln("failed to encode back-channel response")
		http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	payload, err := delivery.EncodeSOAP(token)
	if err != nil {
		p.logger.WithError(err).Errorln("failed to encode back-channel envelope")
		http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", delivery.SOAPContentType)
	rw.Write(payload)
}

func (p *Provider) writeProtocolError(rw http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	if codec.IsErrorWithID(err, codec.ErrorCodecUnknownArtifact) {
		code = http.StatusNotFound
	}
	if codec.IsErrorWithID(err, codec.ErrorCodecAccessDenied) {
		code = http.StatusForbidden
	}
	if _, ok := err.(*codec.ProtocolError); !ok {
		p.logger.WithError(err).Errorln("request failed")
		http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeErr := utils.WriteJSON(rw, code, err, "")
	if writeErr != nil {
		p.logger.WithError(writeErr).Errorln("failed to write error response")
	}
}
