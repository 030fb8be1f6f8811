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
	"github.com/gorilla/schema"
)

// Note that we use gorilla/schema here to decode defined request parameters
// from their incoming on the wire form.
var formDecoder = schema.NewDecoder()

func init() {
	formDecoder.IgnoreUnknownKeys(true)
	formDecoder.SetAliasTag("schema")
}

// logoutRequestData is the parameter set of front-channel logout requests and
// responses arriving via browser redirect.
type logoutRequestData struct {
	Token      string `schema:"logout_token"`
	Artifact   string `schema:"logout_artifact"`
	RelayState string `schema:"relay_state"`
}

// sessionUpdateData is the parameter set of the session register and sync
// endpoints. The token is a signed session update message.
type sessionUpdateData struct {
	Token string `schema:"session_token"`
}

// sessionCheckData is the parameter set of the session check endpoint.
type sessionCheckData struct {
	Subject string `schema:"sub"`
}
