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
	"time"

	"github.com/federa-dev/federa/config"
)

// Config defines a Provider's configuration settings.
type Config struct {
	Config *config.Config

	// EntityID is this node's own federation identity, the issuer of every
	// outbound message.
	EntityID string

	LogoutPath          string
	LogoutSOAPPath      string
	ArtifactPath        string
	SessionRegisterPath string
	SessionSyncPath     string
	SessionCheckPath    string

	// TicketLifetime is the absolute lifetime given to tickets created via
	// session registration.
	TicketLifetime time.Duration
}
