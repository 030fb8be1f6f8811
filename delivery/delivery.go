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

package delivery

import (
	"context"
	"net/http"
	"net/url"
)

// Deliverer is a interface defining outbound message delivery. Front-channel
// delivery returns control to the browser via redirect, back-channel
// delivery is a blocking SOAP call with a bounded timeout.
type Deliverer interface {
	RedirectBrowser(rw http.ResponseWriter, uri *url.URL, params interface{}) error
	SendSOAP(ctx context.Context, endpointURI string, token string) (string, error)
}
