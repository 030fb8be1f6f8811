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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	logoutsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "federa",
		Subsystem: "logout",
		Name:      "started_total",
		Help:      "Total number of logout transactions started, by channel.",
	}, []string{"channel"})

	logoutsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "federa",
		Subsystem: "logout",
		Name:      "completed_total",
		Help:      "Total number of logout transactions completed, by channel.",
	}, []string{"channel"})

	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "federa",
		Subsystem: "logout",
		Name:      "notifications_total",
		Help:      "Total number of partner logout notifications, by channel and result.",
	}, []string{"channel", "result"})

	fallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "federa",
		Subsystem: "logout",
		Name:      "fallbacks_total",
		Help:      "Total number of front-channel timeouts falling back to the back-channel.",
	})

	backChannelDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "federa",
		Subsystem: "logout",
		Name:      "back_channel_duration_seconds",
		Help:      "Duration of back-channel partner calls.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		logoutsStartedTotal,
		logoutsCompletedTotal,
		notificationsTotal,
		fallbacksTotal,
		backChannelDuration,
	)
}
