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

package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
)

func loadSignerFromFile(fn string) (crypto.Signer, error) {
	pemBytes, errRead := ioutil.ReadFile(fn)
	if errRead != nil {
		return nil, fmt.Errorf("failed to read key file: %v", errRead)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	pkcs1Key, errParse1 := x509.ParsePKCS1PrivateKey(block.Bytes)
	if errParse1 == nil {
		return pkcs1Key, nil
	}

	pkcs8Key, errParse2 := x509.ParsePKCS8PrivateKey(block.Bytes)
	if errParse2 == nil {
		signer, ok := pkcs8Key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("failed to use key as crypto signer")
		}
		return signer, nil
	}

	return nil, fmt.Errorf("failed to parse key - valid PKCS#1 or PKCS#8? %v, %v", errParse1, errParse2)
}
