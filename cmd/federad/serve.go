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
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"stash.kopano.io/kgol/rndm"

	"github.com/federa-dev/federa/artifact"
	codecManagers "github.com/federa-dev/federa/codec/managers"
	"github.com/federa-dev/federa/config"
	"github.com/federa-dev/federa/delivery"
	"github.com/federa-dev/federa/encryption"
	"github.com/federa-dev/federa/federation"
	"github.com/federa-dev/federa/logout"
	"github.com/federa-dev/federa/managers"
	"github.com/federa-dev/federa/metadata"
	"github.com/federa-dev/federa/provider"
	"github.com/federa-dev/federa/server"
	"github.com/federa-dev/federa/storage"
	storageManagers "github.com/federa-dev/federa/storage/managers"
	"github.com/federa-dev/federa/sweeper"
	"github.com/federa-dev/federa/utils"
)

const defaultListenAddr = "127.0.0.1:8778"

func commandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start server and listen for requests",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("listen", defaultListenAddr, "TCP listen address")
	serveCmd.Flags().String("entity-id", "http://localhost:8778", "Federation entity ID of this node, the issuer of all outbound messages")
	serveCmd.Flags().String("key", "", "PEM key file (RSA)")
	serveCmd.Flags().String("signing-method", "RS256", "JWT signing method")
	serveCmd.Flags().String("signing-kid", "default", "Key ID of the signing key")
	serveCmd.Flags().String("secret", "", fmt.Sprintf("Encryption secret (length must be %d)", encryption.KeySize))
	serveCmd.Flags().String("partners-conf", "", "Path to the partner registration configuration file")
	serveCmd.Flags().String("storage-backend", "memory", "Storage backend (memory or sqlite)")
	serveCmd.Flags().String("storage-path", "federad.db", "Path to the sqlite database file")
	serveCmd.Flags().Duration("front-channel-timeout", 30*time.Second, "How long to wait for a front-channel logout response before falling back to the back-channel")
	serveCmd.Flags().Duration("back-channel-timeout", 10*time.Second, "Timeout of individual back-channel calls")
	serveCmd.Flags().Duration("ticket-lifetime", 8*time.Hour, "Absolute ticket lifetime")
	serveCmd.Flags().Duration("session-sync-timeout", 15*time.Minute, "Maximum accepted sync silence per service provider binding")
	serveCmd.Flags().Duration("sweep-interval", time.Minute, "Interval of the expiration sweeper")
	serveCmd.Flags().Float64("fan-out-rate", 16, "Maximum back-channel notifications per second")
	serveCmd.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")
	serveCmd.Flags().Bool("insecure", false, "Disable TLS certificate and hostname validation")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	logTimestamp, _ := cmd.Flags().GetBool("log-timestamp")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger, err := newLogger(!logTimestamp, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	logger.Infoln("serve start")

	cfg := &config.Config{
		Logger: logger,
	}

	var tlsClientConfig *tls.Config
	if tlsInsecureSkipVerify, _ := cmd.Flags().GetBool("insecure"); tlsInsecureSkipVerify {
		tlsClientConfig = utils.InsecureSkipVerifyTLSConfig
		logger.Warnln("insecure mode, TLS client connections are susceptible to man-in-the-middle attacks")
	}
	cfg.HTTPTransport = utils.HTTPTransportWithTLSClientConfig(tlsClientConfig)
	cfg.ListenAddr, _ = cmd.Flags().GetString("listen")

	entityID, _ := cmd.Flags().GetString("entity-id")

	var signer crypto.Signer
	if keyFn, _ := cmd.Flags().GetString("key"); keyFn != "" {
		logger.WithField("file", keyFn).Infoln("loading key from file")
		signer, err = loadSignerFromFile(keyFn)
		if err != nil {
			return err
		}
	} else {
		signer, _ = rsa.GenerateKey(rand.Reader, 2048)
		logger.Warnln("missing --key parameter, created random RSA key pair - partners cannot verify this node across restarts")
	}
	signingMethodString, _ := cmd.Flags().GetString("signing-method")
	signingMethod := jwt.GetSigningMethod(signingMethodString)
	if signingMethod == nil {
		return fmt.Errorf("unknown signing method: %s", signingMethodString)
	}
	signingKid, _ := cmd.Flags().GetString("signing-kid")

	var encryptionSecret []byte
	if encryptionSecretString, _ := cmd.Flags().GetString("secret"); encryptionSecretString != "" {
		encryptionSecret = []byte(encryptionSecretString)
	} else {
		logger.Warnln("missing --secret parameter, using random encryption secret")
		encryptionSecret = rndm.GenerateRandomBytes(encryption.KeySize)
	}
	if len(encryptionSecret) != encryption.KeySize {
		return fmt.Errorf("invalid --secret parameter value, length must be %d", encryption.KeySize)
	}
	encryptionKey := new([encryption.KeySize]byte)
	copy(encryptionKey[:], encryptionSecret)

	var store storage.Store
	storageBackend, _ := cmd.Flags().GetString("storage-backend")
	switch storageBackend {
	case "memory":
		store = storageManagers.NewMemoryMapStore(ctx)
	case "sqlite":
		storagePath, _ := cmd.Flags().GetString("storage-path")
		store, err = storageManagers.NewSQLiteStore(ctx, storagePath, logger)
		if err != nil {
			return fmt.Errorf("failed to open storage: %v", err)
		}
		logger.WithField("path", storagePath).Infoln("using sqlite storage backend")
	default:
		return fmt.Errorf("unknown storage backend %v", storageBackend)
	}

	partnersConf, _ := cmd.Flags().GetString("partners-conf")
	partners, err := metadata.NewRegistry(partnersConf, logger)
	if err != nil {
		return fmt.Errorf("failed to load partner registrations: %v", err)
	}

	registry := federation.NewRegistry(store, logger)
	activeCodec := codecManagers.NewJWTCodec(signingMethod, signer, signingKid, partners.PublicKey)
	artifacts := artifact.NewManager(store, encryptionKey)

	backChannelTimeout, _ := cmd.Flags().GetDuration("back-channel-timeout")
	deliverer := delivery.NewHTTPDeliverer(backChannelTimeout, cfg.HTTPTransport, logger)

	frontChannelTimeout, _ := cmd.Flags().GetDuration("front-channel-timeout")
	fanOutRate, _ := cmd.Flags().GetFloat64("fan-out-rate")
	logoutManager, err := logout.NewManager(ctx, &logout.Config{
		EntityID: entityID,

		FrontChannelTimeout: frontChannelTimeout,
		FanOutRate:          rate.Limit(fanOutRate),

		Registry:      registry,
		Artifacts:     artifacts,
		Codec:         activeCodec,
		Partners:      partners,
		Deliverer:     deliverer,
		EncryptionKey: encryptionKey,

		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create logout manager: %v", err)
	}

	ticketLifetime, _ := cmd.Flags().GetDuration("ticket-lifetime")
	sessionSyncTimeout, _ := cmd.Flags().GetDuration("session-sync-timeout")
	sweepInterval, _ := cmd.Flags().GetDuration("sweep-interval")
	sweep := sweeper.New(&sweeper.Config{
		Interval:               sweepInterval,
		AbsoluteTicketLifetime: ticketLifetime,
		SessionSyncTimeout:     sessionSyncTimeout,

		Registry: registry,
		Notifier: logoutManager,

		Logger: logger,
	})
	go sweep.Run(ctx)

	activeProvider, err := provider.NewProvider(&provider.Config{
		Config: cfg,

		EntityID: entityID,

		LogoutPath:          "/federa/v1/logout",
		LogoutSOAPPath:      "/federa/v1/logout/soap",
		ArtifactPath:        "/federa/v1/artifact",
		SessionRegisterPath: "/federa/v1/session/register",
		SessionSyncPath:     "/federa/v1/session/sync",
		SessionCheckPath:    "/federa/v1/session/check",

		TicketLifetime: ticketLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create provider: %v", err)
	}

	mgrs := managers.New()
	mgrs.Set("federation", registry)
	mgrs.Set("partners", partners)
	mgrs.Set("codec", activeCodec)
	mgrs.Set("artifact", artifacts)
	mgrs.Set("logout", logoutManager)
	mgrs.Set("provider", activeProvider)
	if err := mgrs.Apply(); err != nil {
		return fmt.Errorf("failed to wire managers: %v", err)
	}

	srv, err := server.NewServer(&server.Config{
		Config: cfg,

		Handler: activeProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	logger.WithField("entity_id", entityID).Infoln("serve started")
	return srv.Serve(ctx)
}
