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
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/federa-dev/federa/utils"
)

// httpDeliverer implements the Deliverer interface with plain HTTP.
type httpDeliverer struct {
	client *http.Client
	logger logrus.FieldLogger
}

// NewHTTPDeliverer creates a Deliverer sending back-channel calls through a
// http.Client with the provided bounded timeout. One unreachable partner can
// never stall a fan-out beyond that timeout.
func NewHTTPDeliverer(timeout time.Duration, transport http.RoundTripper, logger logrus.FieldLogger) Deliverer {
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &httpDeliverer{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

func (d *httpDeliverer) RedirectBrowser(rw http.ResponseWriter, uri *url.URL, params interface{}) error {
	return utils.WriteRedirect(rw, http.StatusFound, uri, params, false)
}

func (d *httpDeliverer) SendSOAP(ctx context.Context, endpointURI string, token string) (string, error) {
	payload, err := EncodeSOAP(token)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, endpointURI, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", SOAPContentType)
	req.Header.Set("User-Agent", utils.DefaultHTTPUserAgent)

	response, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		ioutil.ReadAll(response.Body)
		return "", fmt.Errorf("unexpected back-channel response status: %v", response.StatusCode)
	}

	responseToken, err := DecodeSOAP(response.Body)
	if err != nil {
		return "", err
	}

	return responseToken, nil
}
