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

package logout

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/sirupsen/logrus"

	"github.com/federa-dev/federa/artifact"
	"github.com/federa-dev/federa/codec"
	codecManagers "github.com/federa-dev/federa/codec/managers"
	"github.com/federa-dev/federa/delivery"
	"github.com/federa-dev/federa/encryption"
	"github.com/federa-dev/federa/federation"
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
	registry *federation.Registry
	partners *metadata.Registry
	codec    codec.Codec
	manager  *Manager
}

// newTestManager wires a manager against an in-memory store. All parties
// share one signing key, the partner key lookup resolves every issuer.
func newTestManager(ctx context.Context, t *testing.T, frontChannelTimeout time.Duration) *testEnv {
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

	manager, err := NewManager(ctx, &Config{
		EntityID: testEntityID,

		FrontChannelTimeout: frontChannelTimeout,

		Registry:      registry,
		Artifacts:     artifact.NewManager(store, encryptionKey),
		Codec:         c,
		Partners:      partners,
		Deliverer:     delivery.NewHTTPDeliverer(5*time.Second, nil, logger),
		EncryptionKey: encryptionKey,

		Logger: logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		registry: registry,
		partners: partners,
		codec:    c,
		manager:  manager,
	}
}

func (env *testEnv) putTicket(t *testing.T, ticketID string, subject string, spIDs ...string) {
	now := time.Now()
	err := env.registry.PutTicket(&federation.Ticket{
		ID:          ticketID,
		Subject:     subject,
		CreatedAt:   now,
		LastTouched: now,
		ExpiresAt:   now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, spID := range spIDs {
		if err := env.registry.AddBinding(ticketID, spID); err != nil {
			t.Fatal(err)
		}
	}
}

// newSOAPPartner runs a back-channel endpoint answering logout requests with
// the provided status and recording everything it receives.
func (env *testEnv) newSOAPPartner(t *testing.T, entityID string, status string, calls *int32, received chan<- *codec.Message) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(calls, 1)

		token, err := delivery.DecodeSOAP(req.Body)
		if err != nil {
			t.Error(err)
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := env.codec.Decode(token)
		if err != nil {
			t.Error(err)
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		if received != nil {
			received <- msg
		}

		var responseToken string
		if msg.Type == codec.TypeLogoutRequest {
			response := env.codec.BuildLogoutResponse(entityID, status, msg.ID, msg.Issuer)
			responseToken, err = env.codec.Encode(response)
			if err != nil {
				t.Error(err)
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
		} else {
			responseToken = "ack"
		}

		payload, _ := delivery.EncodeSOAP(responseToken)
		rw.Header().Set("Content-Type", delivery.SOAPContentType)
		rw.Write(payload)
	}))
}

func (env *testEnv) registerPartner(t *testing.T, partner *metadata.PartnerRegistration) {
	partner.Insecure = true
	if err := env.partners.Register(partner); err != nil {
		t.Fatal(err)
	}
}

// parseRedirect extracts the redirect target and its query parameters from a
// recorded front-channel response.
func parseRedirect(t *testing.T, rec *httptest.ResponseRecorder) (*url.URL, url.Values) {
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got status %v", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}

	return location, location.Query()
}

func TestBackChannelLogout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)

	var callsB, callsC int32
	partnerB := env.newSOAPPartner(t, "https://sp-b.example.com", codec.StatusSuccess, &callsB, nil)
	defer partnerB.Close()
	partnerC := env.newSOAPPartner(t, "https://sp-c.example.com", codec.StatusSuccess, &callsC, nil)
	defer partnerC.Close()

	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-a.example.com", SOAPURI: "https://sp-a.example.com/soap"})
	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-b.example.com", SOAPURI: partnerB.URL})
	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-c.example.com", SOAPURI: partnerC.URL})

	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com", "https://sp-c.example.com")

	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	response := env.manager.BackChannelLogout(ctx, request)

	if response.Status != codec.StatusSuccess {
		t.Errorf("response status was incorrect, got %v", response.Status)
	}
	if response.InResponseTo != request.ID {
		t.Errorf("response correlation was incorrect, got %v", response.InResponseTo)
	}
	if atomic.LoadInt32(&callsB) != 1 || atomic.LoadInt32(&callsC) != 1 {
		t.Errorf("expected one call to each partner, got %d and %d", callsB, callsC)
	}
	if _, found := env.registry.GetTicket("ticket-1"); found {
		t.Error("ticket must be gone after logout")
	}
	if _, found := env.registry.GetTicketIDBySubject("user1"); found {
		t.Error("subject index must be gone after logout")
	}
}

func TestBackChannelLogoutPartialOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)

	var callsB, callsC int32
	partnerB := env.newSOAPPartner(t, "https://sp-b.example.com", codec.StatusFailed, &callsB, nil)
	defer partnerB.Close()
	partnerC := env.newSOAPPartner(t, "https://sp-c.example.com", codec.StatusSuccess, &callsC, nil)
	defer partnerC.Close()

	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-a.example.com", SOAPURI: "https://sp-a.example.com/soap"})
	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-b.example.com", SOAPURI: partnerB.URL})
	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-c.example.com", SOAPURI: partnerC.URL})

	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com", "https://sp-c.example.com")

	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	response := env.manager.BackChannelLogout(ctx, request)

	if response.Status != codec.StatusPartial {
		t.Errorf("one failing partner must degrade the status to partial, got %v", response.Status)
	}
	if atomic.LoadInt32(&callsC) != 1 {
		t.Error("a failing partner must not stop the fan-out")
	}
	if _, found := env.registry.GetTicket("ticket-1"); found {
		t.Error("ticket must be gone even after a partial logout")
	}
}

func TestBackChannelLogoutUnknownSubject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)

	request := env.codec.BuildLogoutRequest("nobody", "https://sp-a.example.com", testEntityID)
	response := env.manager.BackChannelLogout(ctx, request)

	if response.Status != codec.StatusSuccess {
		t.Errorf("logging out an unknown subject is success, got %v", response.Status)
	}
}

func TestBrowserLogoutSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:    "https://sp-a.example.com",
		LogoutURI:   "https://sp-a.example.com/logout",
		ResponseURI: "https://sp-a.example.com/logout/response",
	})
	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-b.example.com",
		LogoutURI: "https://sp-b.example.com/logout",
	})

	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com")

	// The first redirect goes to the only other participant.
	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	rec := httptest.NewRecorder()
	if err := env.manager.BrowserLogout(ctx, rec, request); err != nil {
		t.Fatal(err)
	}
	location, query := parseRedirect(t, rec)
	if location.Host != "sp-b.example.com" {
		t.Fatalf("first leg went to the wrong partner: %v", location)
	}
	relayState := query.Get("relay_state")
	if relayState == "" {
		t.Fatal("redirect carries no relay state")
	}
	leg, err := env.codec.Decode(query.Get("logout_token"))
	if err != nil {
		t.Fatal(err)
	}
	if leg.Type != codec.TypeLogoutRequest || leg.SubjectID != "user1" {
		t.Errorf("leg message was incorrect: %+v", leg)
	}

	// The partner's response completes the transaction with a redirect back
	// to the initiator.
	partnerResponse := env.codec.BuildLogoutResponse("https://sp-b.example.com", codec.StatusSuccess, leg.ID, testEntityID)
	rec = httptest.NewRecorder()
	if err := env.manager.BrowserLogoutResponse(ctx, rec, relayState, partnerResponse); err != nil {
		t.Fatal(err)
	}
	location, query = parseRedirect(t, rec)
	if location.Host != "sp-a.example.com" || location.Path != "/logout/response" {
		t.Fatalf("final response went to the wrong place: %v", location)
	}
	final, err := env.codec.Decode(query.Get("logout_token"))
	if err != nil {
		t.Fatal(err)
	}
	if final.Type != codec.TypeLogoutResponse || final.InResponseTo != request.ID {
		t.Errorf("final response was incorrect: %+v", final)
	}
	if final.Status != codec.StatusSuccess {
		t.Errorf("final status was incorrect, got %v", final.Status)
	}

	if _, found := env.registry.GetTicket("ticket-1"); found {
		t.Error("ticket must be gone after the transaction")
	}
}

func TestBrowserLogoutBackChannelOnlyPartner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)

	var callsB int32
	receivedB := make(chan *codec.Message, 4)
	partnerB := env.newSOAPPartner(t, "https://sp-b.example.com", codec.StatusSuccess, &callsB, receivedB)
	defer partnerB.Close()

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:    "https://sp-a.example.com",
		LogoutURI:   "https://sp-a.example.com/logout",
		ResponseURI: "https://sp-a.example.com/logout/response",
	})
	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID: "https://sp-b.example.com",
		SOAPURI:  partnerB.URL,
	})

	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com")

	// B has no front-channel endpoint, so the browser goes straight back to
	// the initiator while B is notified over the back-channel.
	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	rec := httptest.NewRecorder()
	if err := env.manager.BrowserLogout(ctx, rec, request); err != nil {
		t.Fatal(err)
	}
	location, _ := parseRedirect(t, rec)
	if location.Host != "sp-a.example.com" || location.Path != "/logout/response" {
		t.Fatalf("final response went to the wrong place: %v", location)
	}

	if atomic.LoadInt32(&callsB) != 1 {
		t.Errorf("back-channel-only partner must be notified exactly once, got %d", callsB)
	}
	select {
	case msg := <-receivedB:
		if msg.Type != codec.TypeLogoutRequest || msg.SubjectID != "user1" {
			t.Errorf("back-channel notification was incorrect: %+v", msg)
		}
	default:
		t.Fatal("back-channel-only partner received no notification")
	}

	if _, found := env.registry.GetTicket("ticket-1"); found {
		t.Error("ticket must be gone after the transaction")
	}
}

func TestBrowserLogoutResponseMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)

	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-a.example.com", LogoutURI: "https://sp-a.example.com/logout"})
	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-b.example.com", LogoutURI: "https://sp-b.example.com/logout"})
	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com")

	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	rec := httptest.NewRecorder()
	if err := env.manager.BrowserLogout(ctx, rec, request); err != nil {
		t.Fatal(err)
	}
	_, query := parseRedirect(t, rec)

	// A response which does not answer the pending leg must be rejected.
	bogus := env.codec.BuildLogoutResponse("https://sp-b.example.com", codec.StatusSuccess, "other-request", testEntityID)
	err := env.manager.BrowserLogoutResponse(ctx, httptest.NewRecorder(), query.Get("relay_state"), bogus)
	if !codec.IsErrorWithID(err, codec.ErrorCodecInvalidMessage) {
		t.Errorf("mismatched response must yield a protocol error, got %v", err)
	}
}

func TestBrowserLogoutTimeoutFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, 100*time.Millisecond)

	var callsA, callsB, callsC int32
	receivedA := make(chan *codec.Message, 4)
	partnerA := env.newSOAPPartner(t, "https://sp-a.example.com", codec.StatusSuccess, &callsA, receivedA)
	defer partnerA.Close()
	partnerB := env.newSOAPPartner(t, "https://sp-b.example.com", codec.StatusSuccess, &callsB, nil)
	defer partnerB.Close()
	partnerC := env.newSOAPPartner(t, "https://sp-c.example.com", codec.StatusSuccess, &callsC, nil)
	defer partnerC.Close()

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-a.example.com",
		LogoutURI: "https://sp-a.example.com/logout",
		SOAPURI:   partnerA.URL,
	})
	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-b.example.com",
		LogoutURI: "https://sp-b.example.com/logout",
		SOAPURI:   partnerB.URL,
	})
	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-c.example.com",
		LogoutURI: "https://sp-c.example.com/logout",
		SOAPURI:   partnerC.URL,
	})

	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com", "https://sp-c.example.com")

	// A initiates, the first leg goes to B which answers promptly.
	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	rec := httptest.NewRecorder()
	if err := env.manager.BrowserLogout(ctx, rec, request); err != nil {
		t.Fatal(err)
	}
	_, query := parseRedirect(t, rec)
	legB, err := env.codec.Decode(query.Get("logout_token"))
	if err != nil {
		t.Fatal(err)
	}

	responseB := env.codec.BuildLogoutResponse("https://sp-b.example.com", codec.StatusSuccess, legB.ID, testEntityID)
	rec = httptest.NewRecorder()
	if err := env.manager.BrowserLogoutResponse(ctx, rec, query.Get("relay_state"), responseB); err != nil {
		t.Fatal(err)
	}
	location, _ := parseRedirect(t, rec)
	if location.Host != "sp-c.example.com" {
		t.Fatalf("second leg went to the wrong partner: %v", location)
	}

	// C never answers. The timeout falls back to the back-channel.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, found := env.registry.GetTicket("ticket-1"); !found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout fallback did not complete the transaction")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case final := <-receivedA:
		if final.Type != codec.TypeLogoutResponse {
			t.Errorf("initiator must receive the final response, got %v", final.Type)
		}
		if final.InResponseTo != request.ID {
			t.Errorf("final response correlation was incorrect, got %v", final.InResponseTo)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("initiator never received the final response")
	}

	if atomic.LoadInt32(&callsC) != 1 {
		t.Errorf("timed out partner must be notified over the back-channel exactly once, got %d", callsC)
	}
	if atomic.LoadInt32(&callsB) != 0 {
		t.Errorf("partner which already answered must not be notified again, got %d", callsB)
	}
}

func TestBrowserLogoutStaleTimeoutIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, 50*time.Millisecond)

	var callsA, callsB int32
	partnerA := env.newSOAPPartner(t, "https://sp-a.example.com", codec.StatusSuccess, &callsA, nil)
	defer partnerA.Close()
	partnerB := env.newSOAPPartner(t, "https://sp-b.example.com", codec.StatusSuccess, &callsB, nil)
	defer partnerB.Close()

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:    "https://sp-a.example.com",
		LogoutURI:   "https://sp-a.example.com/logout",
		ResponseURI: "https://sp-a.example.com/logout/response",
		SOAPURI:     partnerA.URL,
	})
	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:  "https://sp-b.example.com",
		LogoutURI: "https://sp-b.example.com/logout",
		SOAPURI:   partnerB.URL,
	})

	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com")

	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	rec := httptest.NewRecorder()
	if err := env.manager.BrowserLogout(ctx, rec, request); err != nil {
		t.Fatal(err)
	}
	_, query := parseRedirect(t, rec)
	leg, err := env.codec.Decode(query.Get("logout_token"))
	if err != nil {
		t.Fatal(err)
	}

	// B answers in time and the transaction completes on the front-channel.
	responseB := env.codec.BuildLogoutResponse("https://sp-b.example.com", codec.StatusSuccess, leg.ID, testEntityID)
	if err := env.manager.BrowserLogoutResponse(ctx, httptest.NewRecorder(), query.Get("relay_state"), responseB); err != nil {
		t.Fatal(err)
	}
	if _, found := env.registry.GetTicket("ticket-1"); found {
		t.Fatal("ticket must be gone after front-channel completion")
	}

	// The armed timeout still fires but must not notify anyone.
	time.Sleep(300 * time.Millisecond)
	if atomic.LoadInt32(&callsB) != 0 {
		t.Errorf("stale timeout must not notify partners, got %d calls", callsB)
	}
	if atomic.LoadInt32(&callsA) != 0 {
		t.Errorf("stale timeout must not send another final response, got %d calls", callsA)
	}
}

func TestBrowserLogoutUnknownSubjectRespondsToInitiator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)

	env.registerPartner(t, &metadata.PartnerRegistration{
		EntityID:    "https://sp-a.example.com",
		LogoutURI:   "https://sp-a.example.com/logout",
		ResponseURI: "https://sp-a.example.com/logout/response",
	})

	request := env.codec.BuildLogoutRequest("nobody", "https://sp-a.example.com", testEntityID)
	rec := httptest.NewRecorder()
	if err := env.manager.BrowserLogout(ctx, rec, request); err != nil {
		t.Fatal(err)
	}
	location, query := parseRedirect(t, rec)
	if location.Host != "sp-a.example.com" {
		t.Fatalf("response went to the wrong place: %v", location)
	}
	final, err := env.codec.Decode(query.Get("logout_token"))
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != codec.StatusSuccess {
		t.Errorf("logging out an unknown subject is success, got %v", final.Status)
	}
}

func TestFrontChannelArtifactOverSizeLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestManager(ctx, t, time.Minute)
	env.manager.redirectSizeLimit = 1

	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-a.example.com", LogoutURI: "https://sp-a.example.com/logout"})
	env.registerPartner(t, &metadata.PartnerRegistration{EntityID: "https://sp-b.example.com", LogoutURI: "https://sp-b.example.com/logout"})
	env.putTicket(t, "ticket-1", "user1", "https://sp-a.example.com", "https://sp-b.example.com")

	request := env.codec.BuildLogoutRequest("user1", "https://sp-a.example.com", testEntityID)
	rec := httptest.NewRecorder()
	if err := env.manager.BrowserLogout(ctx, rec, request); err != nil {
		t.Fatal(err)
	}
	_, query := parseRedirect(t, rec)

	if query.Get("logout_token") != "" {
		t.Error("oversized message must not ride the redirect")
	}
	handle := query.Get("logout_artifact")
	if handle == "" {
		t.Fatal("oversized message must be parked as artifact")
	}

	encoded, found := env.manager.artifacts.Resolve(handle)
	if !found {
		t.Fatal("artifact must resolve once")
	}
	leg, err := env.codec.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if leg.SubjectID != "user1" {
		t.Errorf("parked message was incorrect: %+v", leg)
	}
	if _, found := env.manager.artifacts.Resolve(handle); found {
		t.Error("artifact must not resolve twice")
	}
}
