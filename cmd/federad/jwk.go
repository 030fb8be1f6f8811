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
	"encoding/json"
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/mendsley/gojwk"
	"github.com/spf13/cobra"
)

func commandJwkFromPem() *cobra.Command {
	jwkCmd := &cobra.Command{
		Use:   "jwk-from-pem [key.pem]",
		Short: "Create JSON Web Key from PEM key file",
		Run: func(cmd *cobra.Command, args []string) {
			if err := jwkFromPem(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	jwkCmd.Flags().String("kid", "", "Key ID kid")
	jwkCmd.Flags().String("use", "sig", "Key usage use")
	jwkCmd.Flags().Bool("yaml", false, "Output JWK as YAML, ready for a partner registration entry")

	return jwkCmd
}

// jwkFromPem converts this node's PEM private key into the public JWK form
// partners put into their registration for this node.
func jwkFromPem(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("key argument missing")
	}

	signer, err := loadSignerFromFile(args[0])
	if err != nil {
		return err
	}

	key, err := gojwk.PublicKey(signer.Public())
	if err != nil {
		return fmt.Errorf("failed to create JWK: %v", err)
	}
	key.Kid, _ = cmd.Flags().GetString("kid")
	key.Use, _ = cmd.Flags().GetString("use")

	raw, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return err
	}

	if asYaml, _ := cmd.Flags().GetBool("yaml"); asYaml {
		raw, err = yaml.JSONToYAML(raw)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stdout, "%s\n", string(raw))

	return nil
}
