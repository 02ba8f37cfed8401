package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"passbook/internal/config"
	"passbook/internal/db"
	"passbook/internal/engine"
	"passbook/internal/engine/proof"
	"passbook/internal/migrate"
)

const (
	testOperator = "0x1111111111111111111111111111111111111111"
	testClaimant = "0x2222222222222222222222222222222222222222"
)

type testServer struct {
	URL         string
	client      *http.Client
	VerifierKey *ecdsa.PrivateKey
	close       func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := engine.New(conn, config.Default("passbook"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			EnableDevLogin:         true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:         "http://" + ln.Addr().String(),
		client:      &http.Client{},
		VerifierKey: key,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(address string) map[string]string {
	return map[string]string{"X-Actor-Address": address}
}

// createTestEvent creates and funds an event with one mission, returning
// the event ID and its minted capabilities.
func createTestEvent(t *testing.T, srv *testServer) (string, []CapabilityResponse) {
	t.Helper()
	client := srv.Client()
	now := time.Now().UTC()
	verifier := crypto.PubkeyToAddress(srv.VerifierKey.PublicKey).Hex()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"name":             "Hackathon",
		"starts_at":        now.Add(-time.Hour).Format(time.RFC3339),
		"ends_at":          now.Add(24 * time.Hour).Format(time.RFC3339),
		"verifier_address": verifier,
	}, asActor(testOperator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create event: %d %s", res.StatusCode, string(data))
	}
	var created CreateEventResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if len(created.Capabilities) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(created.Capabilities))
	}
	return created.Event.ID, created.Capabilities
}

func capByKind(t *testing.T, caps []CapabilityResponse, kind string) CapabilityResponse {
	t.Helper()
	for _, c := range caps {
		if c.Kind == kind {
			return c
		}
	}
	t.Fatalf("capability %s not minted", kind)
	return CapabilityResponse{}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestDevLoginToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"address": testClaimant,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/passports", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register passport via JWT: %d %s", res.StatusCode, string(data))
	}
	var p PassportResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal passport: %v", err)
	}
	if p.OwnerAddress != testClaimant {
		t.Fatalf("expected owner %s, got %s", testClaimant, p.OwnerAddress)
	}
}

func TestClaimFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	eventID, caps := createTestEvent(t, srv)
	eventCap := capByKind(t, caps, "event_admin")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/fund", map[string]any{
		"amount": 1000,
	}, asActor(testOperator))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/missions", map[string]any{
		"capability_id": eventCap.ID,
		"title":         "Deploy a contract",
		"reward_amount": 100,
	}, asActor(testOperator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add mission: %d %s", res.StatusCode, string(data))
	}
	var mission MissionResponse
	if err := json.Unmarshal(data, &mission); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/passports", nil, asActor(testClaimant))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register passport: %d %s", res.StatusCode, string(data))
	}

	sig, err := proof.Sign(srv.VerifierKey, common.HexToAddress(testClaimant), mission.MissionID)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/claims", map[string]any{
		"mission_id": mission.MissionID,
		"signature":  hex.EncodeToString(sig),
		"nonce":      uuid.NewString(),
		"issued_at":  time.Now().UTC().Format(time.RFC3339),
	}, asActor(testClaimant))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var att AttestationResponse
	if err := json.Unmarshal(data, &att); err != nil {
		t.Fatalf("unmarshal attestation: %v", err)
	}
	if att.RewardAmount != 100 {
		t.Fatalf("expected reward 100, got %d", att.RewardAmount)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/claims", map[string]any{
		"mission_id": mission.MissionID,
		"signature":  hex.EncodeToString(sig),
		"nonce":      uuid.NewString(),
		"issued_at":  time.Now().UTC().Format(time.RFC3339),
	}, asActor(testClaimant))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on re-claim, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_completed" {
		t.Fatalf("expected already_completed, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/"+eventID, nil, asActor(testClaimant))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get event: %d %s", res.StatusCode, string(data))
	}
	var ev EventResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Balance != 900 || ev.TotalDistributed != 100 {
		t.Fatalf("pool accounting off: balance=%d distributed=%d", ev.Balance, ev.TotalDistributed)
	}
}

func TestClaimProofExpired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	eventID, caps := createTestEvent(t, srv)
	eventCap := capByKind(t, caps, "event_admin")

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/fund", map[string]any{"amount": 500}, asActor(testOperator))
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/missions", map[string]any{
		"capability_id": eventCap.ID,
		"title":         "Stale proof",
		"reward_amount": 10,
	}, asActor(testOperator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add mission: %d %s", res.StatusCode, string(data))
	}
	var mission MissionResponse
	_ = json.Unmarshal(data, &mission)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/passports", nil, asActor(testClaimant))

	sig, err := proof.Sign(srv.VerifierKey, common.HexToAddress(testClaimant), mission.MissionID)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/claims", map[string]any{
		"mission_id": mission.MissionID,
		"signature":  hex.EncodeToString(sig),
		"nonce":      uuid.NewString(),
		"issued_at":  time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}, asActor(testClaimant))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "proof_expired" {
		t.Fatalf("expected proof_expired, got %s", code)
	}
}

func TestCapabilityForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	eventID, caps := createTestEvent(t, srv)
	poolCap := capByKind(t, caps, "pool_admin")

	// Pool capability does not authorize event status changes.
	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/events/"+eventID+"/status", map[string]any{
		"capability_id": poolCap.ID,
		"active":        false,
	}, asActor(testOperator))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestGrantInsufficientFunds(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	eventID, caps := createTestEvent(t, srv)
	poolCap := capByKind(t, caps, "pool_admin")

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/fund", map[string]any{"amount": 50}, asActor(testOperator))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events/"+eventID+"/grants", map[string]any{
		"capability_id": poolCap.ID,
		"recipients":    []string{testClaimant},
		"amounts":       []uint64{100},
	}, asActor(testOperator))
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds, got %s", code)
	}
}
