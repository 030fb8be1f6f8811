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
	"errors"
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Registry implements the registry for registered federation partners.
type Registry struct {
	mutex sync.RWMutex

	partners map[string]*PartnerRegistration

	logger logrus.FieldLogger
}

// NewRegistry creates a new partner Registry, loading registrations from the
// provided configuration file when one is given. Invalid entries are skipped
// with a log record, they never abort startup.
func NewRegistry(registrationConfFilepath string, logger logrus.FieldLogger) (*Registry, error) {
	registryData := &RegistryData{}

	if registrationConfFilepath != "" {
		logger.Debugf("parsing partner registration conf from %v", registrationConfFilepath)
		registryFile, err := ioutil.ReadFile(registrationConfFilepath)
		if err != nil {
			return nil, err
		}

		err = yaml.Unmarshal(registryFile, registryData)
		if err != nil {
			return nil, err
		}
	}

	r := &Registry{
		partners: make(map[string]*PartnerRegistration),

		logger: logger,
	}

	for _, partner := range registryData.Partners {
		validateErr := partner.Validate()
		fields := logrus.Fields{
			"entity_id":  partner.EntityID,
			"trusted":    partner.Trusted,
			"insecure":   partner.Insecure,
			"logout_uri": partner.LogoutURI,
			"soap_uri":   partner.SOAPURI,
			"origins":    partner.Origins,
		}

		if validateErr != nil {
			logger.WithError(validateErr).WithFields(fields).Warnln("skipped registration of invalid partner entry")
			continue
		}
		if registerErr := r.Register(partner); registerErr != nil {
			logger.WithError(registerErr).WithFields(fields).Warnln("skipped registration of invalid partner")
			continue
		}
		logger.WithFields(fields).Debugln("registered partner")
	}

	return r, nil
}

// Register validates the provided partner registration and adds it to the
// accociated registry if valid. Returns error otherwise.
func (r *Registry) Register(partner *PartnerRegistration) error {
	if partner.EntityID == "" {
		return errors.New("invalid entity_id")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.partners[partner.EntityID]; ok {
		return fmt.Errorf("duplicate entity_id %v", partner.EntityID)
	}
	r.partners[partner.EntityID] = partner

	return nil
}

// Lookup returns the registration of the partner identified by the provided
// entity ID.
func (r *Registry) Lookup(entityID string) (*PartnerRegistration, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	partner, ok := r.partners[entityID]

	return partner, ok
}

// PublicKey returns the public key of the partner identified by the provided
// entity ID. It matches the key lookup signature the codec expects.
func (r *Registry) PublicKey(entityID string) (crypto.PublicKey, error) {
	partner, ok := r.Lookup(entityID)
	if !ok {
		return nil, fmt.Errorf("no registration for %v", entityID)
	}

	return partner.PublicKey()
}

// Origins returns the combined allowed cross-origin list of all registered
// partners.
func (r *Registry) Origins() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var origins []string
	for _, partner := range r.partners {
		origins = append(origins, partner.Origins...)
	}

	return origins
}
