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
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/sirupsen/logrus"

	"github.com/federa-dev/federa/artifact"
	"github.com/federa-dev/federa/codec"
	codecManagers "github.com/federa-dev/federa/codec/managers"
	"github.com/federa-dev/federa/config"
	"github.com/federa-dev/federa/delivery"
	"github.com/federa-dev/federa/encryption"
	"github.com/federa-dev/federa/federation"
	"github.com/federa-dev/federa/logout"
	"github.com/federa-dev/federa/managers"
	"github.com/federa-dev/federa/metadata"
	storageManagers "github.com/federa-dev/federa/storage/managers"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

const testEntityID = "https://idp.example.com"

type testEnv struct {
	provider *Provider

	registry  *federation.Registry
	partners  *metadata.Registry
	codec     codec.Codec
	artifacts *artifact.Manager
}

func newTestProvider(ctx context.Context, t *testing.T) *testEnv {
	signingKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	c := codecManagers.NewJWTCodec(jwt.SigningMethodRS256, signingKey, "test-key", func(entityID string) (crypto.PublicKey, error) {
		return signingKey.Public(), nil
	})

	store := storageManagers.NewMemoryMapStore(ctx)
	registry := federation.NewRegistry(store, logger)
	partners, err := metadata.NewRegistry("", logger)
	if err != nil {
		t.Fatal(err)
	}
	encryptionKey, err := encryption.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	artifacts := artifact.NewManager(store, encryptionKey)

	logoutManager, err := logout.NewManager(ctx, &logout.Config{
		EntityID: testEntityID,

		Registry:      registry,
		Artifacts:     artifacts,
		Codec:         c,
		Partners:      partners,
		Deliverer:     delivery.NewHTTPDeliverer(5*time.Second, nil, logger),
		EncryptionKey: encryptionKey,

		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := NewProvider(&Config{
		Config: &config.Config{
			Logger: logger,
		},

		EntityID: testEntityID,

		LogoutPath:          "/federa/v1/logout",
		LogoutSOAPPath:      "/federa/v1/logout/soap",
		ArtifactPath:        "/federa/v1/artifact",
		SessionRegisterPath: "/federa/v1/session/register",
		SessionSyncPath:     "/federa/v1/session/sync",
		SessionCheckPath:    "/federa/v1/session/check",

		TicketLifetime: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	mgrs := managers.New()
	mgrs.Set("federation", registry)
	mgrs.Set("partners", partners)
	mgrs.Set("codec", c)
	mgrs.Set("artifact", artifacts)
	mgrs.Set("logout", logoutManager)
	if err := p.RegisterManagers(mgrs); err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		provider: p,

		registry:  registry,
		partners:  partners,
		codec:     c,
		artifacts: artifacts,
	}
}

func (env *testEnv) registerPartner(t *testing.T, partner *metadata.PartnerRegistration) {
	partner.Insecure = true
	if err := env.partners.Register(partner); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.provider.ServeHTTP(rec, req)

	return rec
}

func (env *testEnv) postSOAP(t *testing.T, path string, token string) *httptest.ResponseRecorder {
	payload, err := delivery.EncodeSOAP(token)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", delivery.SOAPContentType)
	rec := httptest.NewRecorder()
	env.provider.ServeHTTP(rec, req)

	return rec
}

func (env *testEnv) sessionToken(t *testing.T, messageType string, ticketID string, subject string, issuer string) string {
	msg := env.codec.BuildSessionUpdate(messageType, ticketID, subject, issuer)
	token, err := env.codec.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}

	return token
}

func decodeSessionState(t *testing.T, rec *httptest.ResponseRecorder) *sessionState {
	state := &sessionState{}
	if err := json.Unmarshal(rec.Body.Bytes(), state); err != nil {
		t.Fatal(err)
	}

	return state
}

func TestSessionRegisterSyncAndCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestProvider(ctx, t)

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID: "https://auth.example.com",
		SOAPURI:  "https://auth.example.com/soap",
		Trusted:  true,
	})
	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-a.example.com",
		LogoutURI: "https://sp-a.example.com/logout",
	})

	// A trusted partner creates the ticket.
	rec := env.postForm("/federa/v1/session/register", url.Values{
		"session_token": {env.sessionToken(t, codec.TypeSessionRegister, "ticket-1", "user1", "https://auth.example.com")},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register returned status %v: %s", rec.Code, rec.Body.String())
	}
	if state := decodeSessionState(t, rec); !state.Active || state.TicketID != "ticket-1" {
		t.Errorf("register state was incorrect: %+v", state)
	}

	// A further partner attaches to the existing ticket.
	rec = env.postForm("/federa/v1/session/register", url.Values{
		"session_token": {env.sessionToken(t, codec.TypeSessionRegister, "ticket-1", "user1", "https://sp-a.example.com")},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("second register returned status %v", rec.Code)
	}
	session, found := env.registry.GetSession("ticket-1")
	if !found || session.Binding("https://sp-a.example.com") == nil {
		t.Fatal("binding was not created")
	}

	// Sync refreshes the binding.
	rec = env.postForm("/federa/v1/session/sync", url.Values{
		"session_token": {env.sessionToken(t, codec.TypeSessionSync, "ticket-1", "", "https://sp-a.example.com")},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync returned status %v", rec.Code)
	}
	if state := decodeSessionState(t, rec); !state.Active {
		t.Errorf("sync state was incorrect: %+v", state)
	}

	// Check sees the active session.
	req := httptest.NewRequest(http.MethodGet, "/federa/v1/session/check?sub=user1", nil)
	rec = httptest.NewRecorder()
	env.provider.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("check returned status %v", rec.Code)
	}
	if state := decodeSessionState(t, rec); !state.Active {
		t.Errorf("check state was incorrect: %+v", state)
	}

	// An unknown subject is not active.
	req = httptest.NewRequest(http.MethodGet, "/federa/v1/session/check?sub=nobody", nil)
	rec = httptest.NewRecorder()
	env.provider.ServeHTTP(rec, req)
	if state := decodeSessionState(t, rec); state.Active {
		t.Errorf("unknown subject must not be active: %+v", state)
	}
}

func TestSessionRegisterUntrustedCannotCreate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestProvider(ctx, t)

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-a.example.com",
		LogoutURI: "https://sp-a.example.com/logout",
	})

	rec := env.postForm("/federa/v1/session/register", url.Values{
		"session_token": {env.sessionToken(t, codec.TypeSessionRegister, "ticket-1", "user1", "https://sp-a.example.com")},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("untrusted register returned status %v", rec.Code)
	}
	if _, found := env.registry.GetTicket("ticket-1"); found {
		t.Error("untrusted partner must not create tickets")
	}
}

func TestSessionSyncUnknownTicket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestProvider(ctx, t)

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-a.example.com",
		LogoutURI: "https://sp-a.example.com/logout",
	})

	rec := env.postForm("/federa/v1/session/sync", url.Values{
		"session_token": {env.sessionToken(t, codec.TypeSessionSync, "ticket-unknown", "", "https://sp-a.example.com")},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync returned status %v", rec.Code)
	}
	if state := decodeSessionState(t, rec); state.Active {
		t.Errorf("sync of an unknown ticket must not be active: %+v", state)
	}
}

func TestArtifactHandlerResolvesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestProvider(ctx, t)

	handle, err := env.artifacts.Put("parked-message")
	if err != nil {
		t.Fatal(err)
	}

	rec := env.postSOAP(t, "/federa/v1/artifact", handle)
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact resolution returned status %v", rec.Code)
	}
	resolved, err := delivery.DecodeSOAP(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != "parked-message" {
		t.Errorf("resolved message was incorrect, got %s", resolved)
	}

	rec = env.postSOAP(t, "/federa/v1/artifact", handle)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second resolution must fail, got status %v", rec.Code)
	}
}

func TestLogoutSOAPHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestProvider(ctx, t)

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID: "https://sp-a.example.com",
		SOAPURI:  "https://sp-a.example.com/soap",
	})

	now := time.Now()
	env.registry.PutTicket(&federation.Ticket{
		ID:          "ticket-1",
		Subject:     "user1",
		CreatedAt:   now,
		LastTouched: now,
		ExpiresAt:   now.Add(time.Hour),
	})
	env.registry.AddBinding("ticket-1", "https://sp-a.example.com")

	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	requestToken, err := env.codec.Encode(request)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.postSOAP(t, "/federa/v1/logout/soap", requestToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("SOAP logout returned status %v: %s", rec.Code, rec.Body.String())
	}
	responseToken, err := delivery.DecodeSOAP(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	response, err := env.codec.Decode(responseToken)
	if err != nil {
		t.Fatal(err)
	}
	if response.Type != codec.TypeLogoutResponse || response.InResponseTo != request.ID {
		t.Errorf("response was incorrect: %+v", response)
	}
	if response.Status != codec.StatusSuccess {
		t.Errorf("response status was incorrect, got %v", response.Status)
	}
	if _, found := env.registry.GetTicket("ticket-1"); found {
		t.Error("ticket must be gone after logout")
	}
}

func TestLogoutHandlerFrontChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestProvider(ctx, t)

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:    "https://sp-a.example.com",
		LogoutURI:   "https://sp-a.example.com/logout",
		ResponseURI: "https://sp-a.example.com/logout/response",
	})
	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-b.example.com",
		LogoutURI: "https://sp-b.example.com/logout",
	})

	now := time.Now()
	env.registry.PutTicket(&federation.Ticket{
		ID:          "ticket-1",
		Subject:     "user1",
		CreatedAt:   now,
		LastTouched: now,
		ExpiresAt:   now.Add(time.Hour),
	})
	env.registry.AddBinding("ticket-1", "https://sp-a.example.com")
	env.registry.AddBinding("ticket-1", "https://sp-b.example.com")

	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	requestToken, err := env.codec.Encode(request)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/federa/v1/logout?logout_token="+url.QueryEscape(requestToken), nil)
	rec := httptest.NewRecorder()
	env.provider.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("logout returned status %v: %s", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if location.Host != "sp-b.example.com" {
		t.Errorf("redirect went to the wrong partner: %v", location)
	}
	if location.Query().Get("relay_state") == "" {
		t.Error("redirect carries no relay state")
	}
}

func TestLogoutHandlerRejectsGarbage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestProvider(ctx, t)

	req := httptest.NewRequest(http.MethodGet, "/federa/v1/logout?logout_token=garbage", nil)
	rec := httptest.NewRecorder()
	env.provider.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("garbage token must be rejected, got status %v", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/federa/v1/logout", nil)
	rec = httptest.NewRecorder()
	env.provider.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing token must be rejected, got status %v", rec.Code)
	}
}
