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
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/federa-dev/federa/artifact"
	"github.com/federa-dev/federa/codec"
	"github.com/federa-dev/federa/config"
	"github.com/federa-dev/federa/federation"
	"github.com/federa-dev/federa/logout"
	"github.com/federa-dev/federa/managers"
	"github.com/federa-dev/federa/metadata"
)

const defaultTicketLifetime = 8 * time.Hour

// Provider defines the federation node's HTTP surface with the handlers for
// all logout and session endpoints.
type Provider struct {
	config *config.Config

	entityID string

	logoutPath          string
	logoutSOAPPath      string
	artifactPath        string
	sessionRegisterPath string
	sessionSyncPath     string
	sessionCheckPath    string

	ticketLifetime time.Duration

	registry      *federation.Registry
	partners      *metadata.Registry
	codec         codec.Codec
	artifacts     *artifact.Manager
	logoutManager *logout.Manager

	sessionCheckCors *cors.Cors

	logger logrus.FieldLogger
}

// NewProvider returns a new Provider. The managers it operates on arrive
// later through RegisterManagers.
func NewProvider(c *Config) (*Provider, error) {
	p := &Provider{
		config: c.Config,

		entityID: c.EntityID,

		logoutPath:          c.LogoutPath,
		logoutSOAPPath:      c.LogoutSOAPPath,
		artifactPath:        c.ArtifactPath,
		sessionRegisterPath: c.SessionRegisterPath,
		sessionSyncPath:     c.SessionSyncPath,
		sessionCheckPath:    c.SessionCheckPath,

		ticketLifetime: c.TicketLifetime,

		logger: c.Config.Logger,
	}
	if p.entityID == "" {
		return nil, fmt.Errorf("provider needs an entity ID")
	}
	if p.ticketLifetime <= 0 {
		p.ticketLifetime = defaultTicketLifetime
	}

	return p, nil
}

// RegisterManagers registers the provided managers.
func (p *Provider) RegisterManagers(mgrs *managers.Managers) error {
	p.registry = mgrs.Must("federation").(*federation.Registry)
	p.partners = mgrs.Must("partners").(*metadata.Registry)
	p.codec = mgrs.Must("codec").(codec.Codec)
	p.artifacts = mgrs.Must("artifact").(*artifact.Manager)
	p.logoutManager = mgrs.Must("logout").(*logout.Manager)

	p.sessionCheckCors = cors.New(cors.Options{
		AllowedOrigins: p.partners.Origins(),
		AllowedMethods: []string{http.MethodGet},
	})

	return nil
}

// ServeHTTP implements the http.Handler interface.
func (p *Provider) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	switch path := req.URL.Path; {
	case path == p.logoutPath:
		p.LogoutHandler(rw, req)
	case path == p.logoutSOAPPath:
		p.LogoutSOAPHandler(rw, req)
	case path == p.artifactPath:
		p.ArtifactHandler(rw, req)
	case path == p.sessionRegisterPath:
		p.SessionRegisterHandler(rw, req)
	case path == p.sessionSyncPath:
		p.SessionSyncHandler(rw, req)
	case path == p.sessionCheckPath:
		p.sessionCheckCors.Handler(http.HandlerFunc(p.SessionCheckHandler)).ServeHTTP(rw, req)
	default:
		http.NotFound(rw, req)
	}
}
