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

package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/federa-dev/federa/federation"
)

const (
	defaultInterval           = time.Minute
	defaultAbsoluteLifetime   = 8 * time.Hour
	defaultSessionSyncTimeout = 15 * time.Minute
)

var removalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "federa",
	Subsystem: "sweeper",
	Name:      "removals_total",
	Help:      "Total number of sweeper removals, by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(removalsTotal)
}

// Notifier delivers the logout notification for a binding the sweeper has
// removed. Implemented by the logout manager.
type Notifier interface {
	NotifyStale(ctx context.Context, subject string, spID string)
}

// Config bundles the sweeper's dependencies and tunables.
type Config struct {
	Interval time.Duration

	// AbsoluteTicketLifetime bounds a ticket's total age. It only applies to
	// tickets without their own expiry timestamp.
	AbsoluteTicketLifetime time.Duration

	// SessionSyncTimeout is the maximum accepted silence per binding. A
	// binding counts as alive while either its own last-sync or the
	// ticket's last-touched timestamp is recent enough.
	SessionSyncTimeout time.Duration

	Registry *federation.Registry
	Notifier Notifier

	Logger logrus.FieldLogger
}

// Sweeper periodically walks all tickets and removes what has expired. An
// expired ticket takes all of its bindings with it, a stale binding goes
// alone. Every removed binding's partner gets a back-channel logout
// notification, so partners are not left with sessions the federation no
// longer backs.
type Sweeper struct {
	interval           time.Duration
	absoluteLifetime   time.Duration
	sessionSyncTimeout time.Duration

	registry *federation.Registry
	notifier Notifier

	logger logrus.FieldLogger
}

// New creates a Sweeper from the provided Config.
func New(c *Config) *Sweeper {
	s := &Sweeper{
		interval:           c.Interval,
		absoluteLifetime:   c.AbsoluteTicketLifetime,
		sessionSyncTimeout: c.SessionSyncTimeout,

		registry: c.Registry,
		notifier: c.Notifier,

		logger: c.Logger,
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.absoluteLifetime <= 0 {
		s.absoluteLifetime = defaultAbsoluteLifetime
	}
	if s.sessionSyncTimeout <= 0 {
		s.sessionSyncTimeout = defaultSessionSyncTimeout
	}

	return s
}

// Run sweeps on the configured interval until the provided context is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs a single pass over all tickets with the provided notion of now.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	for entry := range s.registry.ScanTickets() {
		ticket := entry.Ticket
		if ticket == nil {
			continue
		}

		expired := s.ticketExpired(ticket, now)
		var removed []string
		bindings := 0
		if entry.Session != nil {
			bindings = len(entry.Session.Bindings)
			for _, binding := range entry.Session.Bindings {
				if expired || s.bindingStale(ticket, binding, now) {
					removed = append(removed, binding.SPID)
				}
			}
		}

		if expired || (bindings > 0 && len(removed) == bindings) {
			// No binding survives. The ticket goes with them, a session
			// without participants has nothing left to track.
			reason := "expired"
			if !expired {
				reason = "stale"
			}
			s.logger.WithFields(logrus.Fields{
				"ticket_id": ticket.ID,
				"sub":       ticket.Subject,
				"reason":    reason,
			}).Infoln("removing ticket")
			s.registry.DeleteTicket(ticket.ID)
			removalsTotal.WithLabelValues(reason).Inc()
		} else {
			for _, spID := range removed {
				s.logger.WithFields(logrus.Fields{
					"ticket_id": ticket.ID,
					"partner":   spID,
				}).Infoln("removing stale binding")
				s.registry.RemoveBinding(ticket.ID, spID)
				removalsTotal.WithLabelValues("stale").Inc()
			}
		}

		for _, spID := range removed {
			s.notifier.NotifyStale(ctx, ticket.Subject, spID)
		}
	}
}

func (s *Sweeper) ticketExpired(ticket *federation.Ticket, now time.Time) bool {
	expires := ticket.ExpiresAt
	if expires.IsZero() {
		expires = ticket.CreatedAt.Add(s.absoluteLifetime)
	}

	return !now.Before(expires)
}

// bindingStale checks the binding's silence against the sync timeout. The
// ticket's own activity counts for the binding too, a busy user on one
// service must not log out the others.
func (s *Sweeper) bindingStale(ticket *federation.Ticket, binding *federation.ServiceProviderBinding, now time.Time) bool {
	reference := binding.LastSync
	if ticket.LastTouched.After(reference) {
		reference = ticket.LastTouched
	}

	return now.Sub(reference) > s.sessionSyncTimeout
}
