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
	"time"

	"github.com/sirupsen/logrus"
)

// Task carries everything a timeout fallback needs to run without loading
// additional state first. Remaining holds the service providers which were
// not notified yet when the task was armed, including the one whose
// front-channel leg the task watches.
type Task struct {
	TicketID string
	Subject  string

	// LegID is the message ID of the front-channel logout request this task
	// backs. A fired task whose LegID no longer is the session's pending leg
	// is stale and does nothing.
	LegID string

	Remaining   []string
	InitiatorID string
	RequestID   string
}

// TaskHandler runs a due task.
type TaskHandler func(ctx context.Context, task *Task)

// Scheduler arms one-shot timeout tasks and runs due ones on a fixed pool of
// workers. There is no cancellation, a scheduled task always fires and the
// handler decides whether there still is something to do.
type Scheduler struct {
	ctx     context.Context
	tasks   chan *Task
	handler TaskHandler
	logger  logrus.FieldLogger
}

// NewScheduler creates a Scheduler running due tasks through the provided
// handler. The workers exit when the provided context is done.
func NewScheduler(ctx context.Context, workers int, handler TaskHandler, logger logrus.FieldLogger) *Scheduler {
	s := &Scheduler{
		ctx:     ctx,
		tasks:   make(chan *Task, 64),
		handler: handler,
		logger:  logger,
	}

	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go s.worker()
	}

	return s
}

func (s *Scheduler) worker() {
	for {
		select {
		case task := <-s.tasks:
			s.handler(s.ctx, task)
		case <-s.ctx.Done():
			return
		}
	}
}

// Schedule arms the provided task to fire once after delay. Firing enqueues
// the task for the worker pool, so a slow handler delays later tasks instead
// of leaking timers.
func (s *Scheduler) Schedule(delay time.Duration, task *Task) {
	time.AfterFunc(delay, func() {
		select {
		case s.tasks <- task:
		case <-s.ctx.Done():
			s.logger.WithField("ticket_id", task.TicketID).Debugln("scheduler stopped, dropping due task")
		}
	})
}
