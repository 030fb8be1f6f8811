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

package metadata

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/mendsley/gojwk"
	_ "gopkg.in/yaml.v2" // Make sure we have yaml.
)

// RegistryData is the base structure of our partner registry configuration
// file.
type RegistryData struct {
	Partners []*PartnerRegistration `yaml:"partners,flow"`
}

// PartnerRegistration defines a federation partner with its logout endpoints
// and key material.
type PartnerRegistration struct {
	EntityID string `yaml:"entity_id"`
	Name     string `yaml:"name"`

	Trusted  bool `yaml:"trusted"`
	Insecure bool `yaml:"insecure"`

	// LogoutURI receives front-channel logout requests via browser redirect,
	// ResponseURI receives front-channel logout responses, SOAPURI is the
	// back-channel endpoint.
	LogoutURI   string `yaml:"logout_uri"`
	ResponseURI string `yaml:"response_uri"`
	SOAPURI     string `yaml:"soap_uri"`

	// Origins allows the partner's pages cross-origin access to the
	// session-check endpoint.
	Origins []string `yaml:"origins,flow"`

	JWKS           *gojwk.Key `yaml:"jwks"`
	CertificatePEM string     `yaml:"certificate_pem"`
}

// Validate checks the accociated registration for completeness.
func (pr *PartnerRegistration) Validate() error {
	if pr.EntityID == "" {
		return errors.New("invalid entity_id")
	}
	if pr.LogoutURI == "" && pr.SOAPURI == "" {
		return errors.New("no logout endpoint")
	}
	if pr.JWKS == nil && pr.CertificatePEM == "" && !pr.Insecure {
		return errors.New("no key material")
	}

	return nil
}

// PublicKey returns the partner's public key for signature verification,
// from its JWKS or its PEM encoded certificate.
func (pr *PartnerRegistration) PublicKey() (crypto.PublicKey, error) {
	if pr.JWKS != nil {
		switch len(pr.JWKS.Keys) {
		case 0:
			return pr.JWKS.DecodePublicKey()
		case 1:
			return pr.JWKS.Keys[0].DecodePublicKey()
		default:
			// Multiple keys, use the first signing key.
			for _, key := range pr.JWKS.Keys {
				if key.Use == "" || key.Use == "sig" {
					return key.DecodePublicKey()
				}
			}
			return nil, fmt.Errorf("no usable key in jwks for %v", pr.EntityID)
		}
	}

	if pr.CertificatePEM != "" {
		block, _ := pem.Decode([]byte(pr.CertificatePEM))
		if block == nil {
			return nil, fmt.Errorf("no PEM block in certificate for %v", pr.EntityID)
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, err
			}
			return cert.PublicKey, nil
		case "PUBLIC KEY":
			return x509.ParsePKIXPublicKey(block.Bytes)
		default:
			return nil, fmt.Errorf("unsupported PEM block %v for %v", block.Type, pr.EntityID)
		}
	}

	return nil, fmt.Errorf("no key material for %v", pr.EntityID)
}
