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
	"encoding/xml"
	"fmt"
	"io"
)

// SOAPContentType is the Content-Type of back-channel requests and
// responses.
const SOAPContentType = "text/xml; charset=utf-8"

// The envelope carries a single opaque token element, the wire form of one
// codec message.
type soapEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    soapBody `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type soapBody struct {
	Token string `xml:"urn:federa:logout:1.0 Token"`
}

// EncodeSOAP wraps the provided token in a SOAP envelope.
func EncodeSOAP(token string) ([]byte, error) {
	envelope := &soapEnvelope{
		Body: soapBody{
			Token: token,
		},
	}
	raw, err := xml.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	return append([]byte(xml.Header), raw...), nil
}

// DecodeSOAP extracts the token from a SOAP envelope read from the provided
// reader.
func DecodeSOAP(r io.Reader) (string, error) {
	envelope := &soapEnvelope{}
	if err := xml.NewDecoder(r).Decode(envelope); err != nil {
		return "", fmt.Errorf("invalid SOAP envelope: %w", err)
	}
	if envelope.Body.Token == "" {
		return "", fmt.Errorf("SOAP envelope without token")
	}

	return envelope.Body.Token, nil
}
