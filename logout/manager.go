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

package logout

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/federa-dev/federa/artifact"
	"github.com/federa-dev/federa/codec"
	"github.com/federa-dev/federa/delivery"
	"github.com/federa-dev/federa/encryption"
	"github.com/federa-dev/federa/federation"
	"github.com/federa-dev/federa/metadata"
)

const (
	defaultFrontChannelTimeout = 30 * time.Second
	defaultRedirectSizeLimit   = 1024
	defaultSchedulerWorkers    = 4
	defaultFanOutRate          = 16
	defaultFanOutBurst         = 8
)

// Config bundles the orchestrator's dependencies and tunables.
type Config struct {
	EntityID string

	FrontChannelTimeout time.Duration
	RedirectSizeLimit   int
	SchedulerWorkers    int
	FanOutRate          rate.Limit
	FanOutBurst         int

	Registry      *federation.Registry
	Artifacts     *artifact.Manager
	Codec         codec.Codec
	Partners      *metadata.Registry
	Deliverer     delivery.Deliverer
	EncryptionKey *[encryption.KeySize]byte

	Logger logrus.FieldLogger
}

// Manager drives multi-party logout transactions. Front-channel legs run one
// at a time through the user's browser with a timeout fallback, back-channel
// fan-outs run in parallel with a rate limit and continue past individual
// partner failures. The Manager's methods are safe to call from multiple Go
// routines.
type Manager struct {
	entityID string

	frontChannelTimeout time.Duration
	redirectSizeLimit   int

	registry      *federation.Registry
	artifacts     *artifact.Manager
	codec         codec.Codec
	partners      *metadata.Registry
	deliverer     delivery.Deliverer
	encryptionKey *[encryption.KeySize]byte

	scheduler *Scheduler
	limiter   *rate.Limiter

	logger logrus.FieldLogger
}

// NewManager creates a new logout Manager from the provided Config. The
// embedded scheduler workers run until the provided context is done.
func NewManager(ctx context.Context, c *Config) (*Manager, error) {
	if c.EntityID == "" {
		return nil, fmt.Errorf("logout manager needs an entity ID")
	}
	if c.Registry == nil || c.Codec == nil || c.Partners == nil || c.Deliverer == nil {
		return nil, fmt.Errorf("logout manager is missing a dependency")
	}
	if c.Artifacts == nil {
		return nil, fmt.Errorf("logout manager needs an artifact manager")
	}
	if c.EncryptionKey == nil {
		return nil, fmt.Errorf("logout manager needs an encryption key")
	}

	m := &Manager{
		entityID: c.EntityID,

		frontChannelTimeout: c.FrontChannelTimeout,
		redirectSizeLimit:   c.RedirectSizeLimit,

		registry:      c.Registry,
		artifacts:     c.Artifacts,
		codec:         c.Codec,
		partners:      c.Partners,
		deliverer:     c.Deliverer,
		encryptionKey: c.EncryptionKey,

		logger: c.Logger,
	}
	if m.frontChannelTimeout <= 0 {
		m.frontChannelTimeout = defaultFrontChannelTimeout
	}
	if m.redirectSizeLimit <= 0 {
		m.redirectSizeLimit = defaultRedirectSizeLimit
	}

	fanOutRate := c.FanOutRate
	if fanOutRate <= 0 {
		fanOutRate = defaultFanOutRate
	}
	fanOutBurst := c.FanOutBurst
	if fanOutBurst <= 0 {
		fanOutBurst = defaultFanOutBurst
	}
	m.limiter = rate.NewLimiter(fanOutRate, fanOutBurst)

	workers := c.SchedulerWorkers
	if workers <= 0 {
		workers = defaultSchedulerWorkers
	}
	m.scheduler = NewScheduler(ctx, workers, m.handleTimeout, c.Logger)

	return m, nil
}

// redirectParams is the query parameter set of front-channel redirects.
type redirectParams struct {
	Token      string `url:"logout_token,omitempty"`
	Artifact   string `url:"logout_artifact,omitempty"`
	RelayState string `url:"relay_state,omitempty"`
}

// sealTicketRef wraps a ticket ID into an opaque relay state value. Partners
// echo it back unchanged, they must not be able to read or mint ticket IDs.
func (m *Manager) sealTicketRef(ticketID string) (string, error) {
	sealed, err := encryption.Encrypt([]byte(ticketID), m.encryptionKey)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (m *Manager) openTicketRef(relayState string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(relayState)
	if err != nil {
		return "", err
	}
	ticketID, err := encryption.Decrypt(sealed, m.encryptionKey)
	if err != nil {
		return "", err
	}

	return string(ticketID), nil
}

// BrowserLogout starts a logout transaction from a front-channel logout
// request. When the subject has no active ticket the initiator still gets a
// success response, logging out twice is not an error.
func (m *Manager) BrowserLogout(ctx context.Context, rw http.ResponseWriter, msg *codec.Message) error {
	logoutsStartedTotal.WithLabelValues("front").Inc()

	ticketID, found := m.registry.GetTicketIDBySubject(msg.SubjectID)
	if !found {
		m.logger.WithField("sub", msg.SubjectID).Debugln("logout for subject without ticket")
		return m.respondBrowser(rw, msg.Issuer, msg.ID, codec.StatusSuccess)
	}

	if err := m.registry.SetInitiator(ticketID, msg.Issuer, msg.ID); err != nil {
		if err == federation.ErrTicketNotFound {
			return m.respondBrowser(rw, msg.Issuer, msg.ID, codec.StatusSuccess)
		}
		return err
	}
	if err := m.registry.RemoveBinding(ticketID, msg.Issuer); err != nil {
		m.logger.WithError(err).WithField("ticket_id", ticketID).Warnln("failed to remove initiator binding")
	}

	return m.continueFrontChannel(ctx, rw, ticketID)
}

// BrowserLogoutResponse continues a transaction with a front-channel logout
// response from the partner currently being notified.
func (m *Manager) BrowserLogoutResponse(ctx context.Context, rw http.ResponseWriter, relayState string, msg *codec.Message) error {
	ticketID, err := m.openTicketRef(relayState)
	if err != nil {
		return codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "invalid relay state")
	}

	session, found := m.registry.GetSession(ticketID)
	if !found {
		// The transaction ended while the response was in flight, a timeout
		// fallback already took care of everything.
		writeCompletedPage(rw)
		return nil
	}
	if session.PendingLegID == "" || msg.InResponseTo != session.PendingLegID {
		return codec.NewProtocolError(codec.ErrorCodecInvalidMessage, "response does not match the pending request")
	}

	if msg.Status == codec.StatusSuccess {
		notificationsTotal.WithLabelValues("front", "success").Inc()
	} else {
		// A partner failing its local logout does not abort the transaction.
		notificationsTotal.WithLabelValues("front", "failed").Inc()
		m.logger.WithFields(logrus.Fields{
			"ticket_id": ticketID,
			"partner":   msg.Issuer,
			"status":    msg.Status,
		}).Warnln("partner reported front-channel logout failure")
	}

	if err := m.registry.SetPendingLeg(ticketID, ""); err != nil {
		m.logger.WithError(err).WithField("ticket_id", ticketID).Warnln("failed to clear pending leg")
	}

	return m.continueFrontChannel(ctx, rw, ticketID)
}

// continueFrontChannel notifies the next remaining partner through the
// browser, or completes the transaction when none is left.
func (m *Manager) continueFrontChannel(ctx context.Context, rw http.ResponseWriter, ticketID string) error {
	for {
		session, found := m.registry.GetSession(ticketID)
		if !found || len(session.Bindings) == 0 {
			return m.completeBrowser(rw, ticketID, session)
		}

		next := session.Bindings[0].SPID
		if err := m.registry.RemoveBinding(ticketID, next); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"ticket_id": ticketID,
				"partner":   next,
			}).Warnln("failed to remove binding before notification")
		}

		partner, ok := m.partners.Lookup(next)
		if !ok || partner.LogoutURI == "" {
			// No browser leg possible, this partner gets its notification
			// over the back-channel instead. Best effort, the transaction
			// moves on either way.
			if err := m.notifyBackChannel(ctx, session.Subject, next); err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"ticket_id": ticketID,
					"partner":   next,
				}).Warnln("back-channel notification of partner without front-channel endpoint failed")
			}
			continue
		}

		msg := m.codec.BuildLogoutRequest(session.Subject, m.entityID, partner.LogoutURI)
		encoded, err := m.codec.Encode(msg)
		if err != nil {
			return err
		}

		// The task list holds the partner now being notified plus everything
		// after it. When the leg times out all of them move to the
		// back-channel at once.
		remaining := []string{next}
		for _, spID := range session.SPIDs() {
			if spID != next {
				remaining = append(remaining, spID)
			}
		}
		if err := m.registry.SetPendingLeg(ticketID, msg.ID); err != nil {
			return err
		}
		m.scheduler.Schedule(m.frontChannelTimeout, &Task{
			TicketID:    ticketID,
			Subject:     session.Subject,
			LegID:       msg.ID,
			Remaining:   remaining,
			InitiatorID: session.InitiatorID,
			RequestID:   session.LogoutRequestID,
		})

		uri, err := url.Parse(partner.LogoutURI)
		if err != nil {
			return err
		}
		relayState, err := m.sealTicketRef(ticketID)
		if err != nil {
			return err
		}
		params := &redirectParams{
			RelayState: relayState,
		}
		if len(encoded) > m.redirectSizeLimit {
			handle, artifactErr := m.artifacts.Put(encoded)
			if artifactErr != nil {
				return artifactErr
			}
			params.Artifact = handle
		} else {
			params.Token = encoded
		}

		m.logger.WithFields(logrus.Fields{
			"ticket_id": ticketID,
			"partner":   next,
		}).Debugln("front-channel logout leg")

		return m.deliverer.RedirectBrowser(rw, uri, params)
	}
}

// completeBrowser ends a front-channel transaction, destroying the ticket and
// returning the browser to the initiator.
func (m *Manager) completeBrowser(rw http.ResponseWriter, ticketID string, session *federation.UserSession) error {
	initiator, requestID := "", ""
	if session != nil {
		initiator, requestID = session.InitiatorID, session.LogoutRequestID
	}

	if err := m.registry.DeleteSession(ticketID); err != nil {
		m.logger.WithError(err).WithField("ticket_id", ticketID).Warnln("failed to delete session on completion")
	}
	logoutsCompletedTotal.WithLabelValues("front").Inc()

	if initiator == "" {
		writeCompletedPage(rw)
		return nil
	}

	return m.respondBrowser(rw, initiator, requestID, codec.StatusSuccess)
}

// respondBrowser sends the final logout response to the initiator via
// redirect. Without a usable response endpoint the browser gets a plain
// completion page instead.
func (m *Manager) respondBrowser(rw http.ResponseWriter, initiatorID string, requestID string, status string) error {
	partner, ok := m.partners.Lookup(initiatorID)
	if !ok {
		m.logger.WithField("partner", initiatorID).Warnln("logout initiator unknown, no final response")
		writeCompletedPage(rw)
		return nil
	}
	destination := partner.ResponseURI
	if destination == "" {
		destination = partner.LogoutURI
	}
	if destination == "" {
		writeCompletedPage(rw)
		return nil
	}

	response := m.codec.BuildLogoutResponse(m.entityID, status, requestID, destination)
	encoded, err := m.codec.Encode(response)
	if err != nil {
		return err
	}
	uri, err := url.Parse(destination)
	if err != nil {
		return err
	}

	return m.deliverer.RedirectBrowser(rw, uri, &redirectParams{
		Token: encoded,
	})
}

func writeCompletedPage(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("logout completed\n"))
}

// BackChannelLogout runs a complete logout transaction for a back-channel
// logout request and returns the response message for the initiator. All
// remaining partners are notified in parallel, individual failures degrade
// the response status to partial instead of aborting.
func (m *Manager) BackChannelLogout(ctx context.Context, msg *codec.Message) *codec.Message {
	logoutsStartedTotal.WithLabelValues("back").Inc()

	ticketID, found := m.registry.GetTicketIDBySubject(msg.SubjectID)
	if !found {
		return m.codec.BuildLogoutResponse(m.entityID, codec.StatusSuccess, msg.ID, msg.Issuer)
	}
	session, found := m.registry.GetSession(ticketID)
	if !found {
		return m.codec.BuildLogoutResponse(m.entityID, codec.StatusSuccess, msg.ID, msg.Issuer)
	}

	targets := mapset.NewSet()
	for _, spID := range session.SPIDs() {
		targets.Add(spID)
	}
	targets.Remove(msg.Issuer)

	failures := m.fanOut(ctx, session.Subject, setToStrings(targets))
	if err := m.registry.DeleteSession(ticketID); err != nil {
		m.logger.WithError(err).WithField("ticket_id", ticketID).Warnln("failed to delete session on completion")
	}
	logoutsCompletedTotal.WithLabelValues("back").Inc()

	status := codec.StatusSuccess
	if failures > 0 {
		status = codec.StatusPartial
	}

	return m.codec.BuildLogoutResponse(m.entityID, status, msg.ID, msg.Issuer)
}

// handleTimeout is the scheduler callback. A wakeup whose leg no longer is
// pending, or whose ticket is gone, is stale and does nothing. A genuine
// timeout moves the whole rest of the transaction to the back-channel,
// destroys the ticket and sends the final response to the initiator.
func (m *Manager) handleTimeout(ctx context.Context, task *Task) {
	session, found := m.registry.GetSession(task.TicketID)
	if !found || session.PendingLegID != task.LegID {
		m.logger.WithField("ticket_id", task.TicketID).Debugln("stale timeout wakeup, nothing to do")
		return
	}

	fallbacksTotal.Inc()
	m.logger.WithField("ticket_id", task.TicketID).Infoln("front-channel timeout, falling back to back-channel")

	targets := mapset.NewSet()
	for _, spID := range task.Remaining {
		targets.Add(spID)
	}
	for _, spID := range session.SPIDs() {
		targets.Add(spID)
	}
	if task.InitiatorID != "" {
		targets.Remove(task.InitiatorID)
	}

	failures := m.fanOut(ctx, task.Subject, setToStrings(targets))
	if err := m.registry.DeleteSession(task.TicketID); err != nil {
		m.logger.WithError(err).WithField("ticket_id", task.TicketID).Warnln("failed to delete session on completion")
	}
	logoutsCompletedTotal.WithLabelValues("back").Inc()

	if task.InitiatorID == "" {
		return
	}
	partner, ok := m.partners.Lookup(task.InitiatorID)
	if !ok || partner.SOAPURI == "" {
		m.logger.WithField("partner", task.InitiatorID).Warnln("initiator has no back-channel endpoint, final response dropped")
		return
	}

	status := codec.StatusPartial
	if failures == 0 {
		status = codec.StatusSuccess
	}
	response := m.codec.BuildLogoutResponse(m.entityID, status, task.RequestID, partner.SOAPURI)
	encoded, err := m.codec.Encode(response)
	if err != nil {
		m.logger.WithError(err).Errorln("failed to encode final logout response")
		return
	}
	if _, err := m.deliverer.SendSOAP(ctx, partner.SOAPURI, encoded); err != nil {
		m.logger.WithError(err).WithField("partner", task.InitiatorID).Warnln("failed to deliver final logout response")
	}
}

// NotifyStale sends a single back-channel logout notification, used by the
// expiration sweeper when it removes a binding.
func (m *Manager) NotifyStale(ctx context.Context, subject string, spID string) {
	if err := m.notifyBackChannel(ctx, subject, spID); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"sub":     subject,
			"partner": spID,
		}).Warnln("failed to notify partner of expired session")
	}
}

// fanOut notifies the provided partners in parallel, throttled by the fan-out
// rate limiter, and returns the number of failed notifications.
func (m *Manager) fanOut(ctx context.Context, subject string, spIDs []string) int {
	var failures int32
	var wg sync.WaitGroup

	for _, spID := range spIDs {
		if err := m.limiter.Wait(ctx); err != nil {
			atomic.AddInt32(&failures, 1)
			continue
		}
		wg.Add(1)
		go func(spID string) {
			defer wg.Done()
			if err := m.notifyBackChannel(ctx, subject, spID); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}(spID)
	}
	wg.Wait()

	return int(failures)
}

func (m *Manager) notifyBackChannel(ctx context.Context, subject string, spID string) error {
	partner, ok := m.partners.Lookup(spID)
	if !ok || partner.SOAPURI == "" {
		notificationsTotal.WithLabelValues("back", "skipped").Inc()
		return fmt.Errorf("no back-channel endpoint for %v", spID)
	}

	request := m.codec.BuildLogoutRequest(subject, m.entityID, partner.SOAPURI)
	encoded, err := m.codec.Encode(request)
	if err != nil {
		return err
	}

	timer := prometheus.NewTimer(backChannelDuration)
	responseToken, err := m.deliverer.SendSOAP(ctx, partner.SOAPURI, encoded)
	timer.ObserveDuration()
	if err != nil {
		notificationsTotal.WithLabelValues("back", "error").Inc()
		m.logger.WithError(err).WithField("partner", spID).Warnln("back-channel logout call failed")
		return err
	}

	response, err := m.codec.Decode(responseToken)
	if err != nil {
		notificationsTotal.WithLabelValues("back", "error").Inc()
		return err
	}
	if response.Status != codec.StatusSuccess {
		notificationsTotal.WithLabelValues("back", "failed").Inc()
		m.logger.WithFields(logrus.Fields{
			"partner": spID,
			"status":  response.Status,
		}).Warnln("partner reported back-channel logout failure")
		return fmt.Errorf("partner %v reported status %v", spID, response.Status)
	}
	notificationsTotal.WithLabelValues("back", "success").Inc()

	return nil
}

func setToStrings(s mapset.Set) []string {
	values := s.ToSlice()
	result := make([]string, 0, len(values))
	for _, value := range values {
		result = append(result, value.(string))
	}

	return result
}
