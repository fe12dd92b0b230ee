package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"ckbpop/crypto"
	"ckbpop/errs"
	"ckbpop/lifecycle"
	"ckbpop/proof"
	"ckbpop/rpc"
	"ckbpop/storage"
)

type mockLedger struct {
	txFn  func(txHash string) (*rpc.TransactionStatus, error)
	tipFn func() (uint64, error)
}

func (m *mockLedger) Transaction(ctx context.Context, txHash string) (*rpc.TransactionStatus, error) {
	if m.txFn == nil {
		return nil, nil
	}
	return m.txFn(txHash)
}

func (m *mockLedger) TipBlockNumber(ctx context.Context) (uint64, error) {
	if m.tipFn == nil {
		return 0, errors.New("node down")
	}
	return m.tipFn()
}

type wallet struct {
	sign    func(t *testing.T, message string) string
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	args := crypto.Blake160(ethcrypto.CompressPubkey(&key.PublicKey))
	addr, err := crypto.EncodeAddress(crypto.TestnetPrefix, crypto.Script{
		CodeHash: crypto.Secp256k1Blake160CodeHash,
		HashType: crypto.HashTypeType,
		Args:     args[:],
	})
	if err != nil {
		t.Fatal(err)
	}
	return wallet{
		address: addr,
		sign: func(t *testing.T, message string) string {
			t.Helper()
			digest := crypto.HashPersonalMessage(message)
			sig, err := ethcrypto.Sign(digest[:], key)
			if err != nil {
				t.Fatal(err)
			}
			return hex.EncodeToString(sig)
		},
	}
}

type fixture struct {
	server *httptest.Server
	ledger *mockLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ledger := &mockLedger{
		txFn: func(txHash string) (*rpc.TransactionStatus, error) {
			return &rpc.TransactionStatus{TxHash: txHash, Status: rpc.StatusCommitted, BlockNumber: 42}, nil
		},
		tipFn: func() (uint64, error) { return 1000, nil },
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := lifecycle.NewService(store, ledger, logger)

	srv := New(Config{
		Service:         svc,
		Store:           store,
		Ledger:          ledger,
		Logger:          logger,
		QRRatePerSecond: 100,
		QRRateBurst:     100,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, ledger: ledger}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body: %s)", resp.StatusCode, want, body)
	}
}

// declareAndActivate walks an event through intent and activation,
// returning its id.
func declareAndActivate(t *testing.T, f *fixture, creator wallet) string {
	t.Helper()
	preimage := lifecycle.NewPreimage(creator.address, time.Now())
	intent := lifecycle.PaymentIntent{
		Preimage:         preimage,
		CreatorAddress:   creator.address,
		CreatorSignature: creator.sign(t, preimage.EventID()),
		Metadata:         lifecycle.EventMetadata{Name: "GopherCon", Description: "annual"},
	}
	resp := f.post(t, "/api/events/intent", intent)
	requireStatus(t, resp, http.StatusCreated)
	var created struct {
		EventID string `json:"event_id"`
	}
	decodeBody(t, resp, &created)
	if len(created.EventID) != 64 {
		t.Fatalf("event id %q is not 64 hex chars", created.EventID)
	}

	resp = f.post(t, "/api/events/"+created.EventID+"/activate", map[string]string{"tx_hash": "0xpayment"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	return created.EventID
}

func openWindow(t *testing.T, f *fixture, creator wallet, eventID string, start int64, end *int64) {
	t.Helper()
	resp := f.post(t, "/api/events/"+eventID+"/window", map[string]interface{}{
		"window_start":      start,
		"window_end":        end,
		"creator_signature": creator.sign(t, proof.WindowMessage(eventID, start, end)),
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestSubmitIntentReportsStoredExpiry(t *testing.T) {
	f := newFixture(t)
	creator := newWallet(t)

	declared := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	preimage := lifecycle.NewPreimage(creator.address, declared)
	intent := lifecycle.PaymentIntent{
		Preimage:         preimage,
		CreatorAddress:   creator.address,
		CreatorSignature: creator.sign(t, preimage.EventID()),
		DeclaredAt:       declared,
	}
	resp := f.post(t, "/api/events/intent", intent)
	requireStatus(t, resp, http.StatusCreated)
	var created struct {
		EventID   string    `json:"event_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	decodeBody(t, resp, &created)

	// Expiry is anchored to the declared time as persisted, not to the
	// moment the handler ran.
	if !created.ExpiresAt.Equal(declared.Add(lifecycle.IntentTTL)) {
		t.Fatalf("expires_at = %v, want %v", created.ExpiresAt, declared.Add(lifecycle.IntentTTL))
	}
}

func TestFullAttendanceFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	creator := newWallet(t)
	attendee := newWallet(t)

	eventID := declareAndActivate(t, f, creator)

	start := time.Now().Unix() - 60
	end := time.Now().Unix() + 3600
	openWindow(t, f, creator, eventID, start, &end)

	resp := f.get(t, "/api/events/"+eventID+"/qr")
	requireStatus(t, resp, http.StatusOK)
	var issue lifecycle.QRIssue
	decodeBody(t, resp, &issue)
	if issue.TTLSeconds != 30 {
		t.Fatalf("ttl = %d, want 30", issue.TTLSeconds)
	}

	qr, err := proof.ParseQrPayload(issue.QRData)
	if err != nil {
		t.Fatalf("issued qr does not parse: %v", err)
	}
	attendance := proof.AttendanceProof{
		EventID:           eventID,
		AttendeeAddress:   attendee.address,
		QR:                qr,
		AttendeeSignature: attendee.sign(t, proof.AttendanceMessage(eventID, qr.Timestamp, attendee.address)),
	}

	resp = f.post(t, "/api/attendance/verify", attendance)
	requireStatus(t, resp, http.StatusOK)
	var verified struct {
		Success bool   `json:"success"`
		EventID string `json:"event_id"`
	}
	decodeBody(t, resp, &verified)
	if !verified.Success || verified.EventID != eventID {
		t.Fatalf("unexpected verify response %+v", verified)
	}

	// Re-submitting the same QR is a replay.
	resp = f.post(t, "/api/attendance/verify", attendance)
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// Record the mint and list badges for the attendee.
	resp = f.post(t, "/api/badges/pending", map[string]string{
		"event_id":       eventID,
		"holder_address": attendee.address,
		"mint_tx_hash":   "0xmint",
	})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = f.get(t, "/api/badges?address="+attendee.address+"&verify=true")
	requireStatus(t, resp, http.StatusOK)
	var badges lifecycle.BadgeList
	decodeBody(t, resp, &badges)
	if len(badges.Badges) != 1 {
		t.Fatalf("expected one badge, got %d", len(badges.Badges))
	}
	if badges.VerifiedAtBlock == nil || *badges.VerifiedAtBlock != 1000 {
		t.Fatalf("verified_at_block = %v, want 1000", badges.VerifiedAtBlock)
	}
}

func TestEventQueries(t *testing.T) {
	f := newFixture(t)
	creator := newWallet(t)
	eventID := declareAndActivate(t, f, creator)

	resp := f.get(t, "/api/events")
	requireStatus(t, resp, http.StatusOK)
	var list struct {
		Events []lifecycle.ActiveEvent `json:"events"`
	}
	decodeBody(t, resp, &list)
	if len(list.Events) != 1 || list.Events[0].EventID != eventID {
		t.Fatalf("unexpected event list %+v", list)
	}

	// Prefix lookup resolves to the full event.
	resp = f.get(t, "/api/events/"+eventID[:10])
	requireStatus(t, resp, http.StatusOK)
	var detail struct {
		Event lifecycle.ActiveEvent `json:"event"`
	}
	decodeBody(t, resp, &detail)
	if detail.Event.EventID != eventID {
		t.Fatalf("prefix resolved %q, want %q", detail.Event.EventID, eventID)
	}

	resp = f.get(t, "/api/events/ffffffffffff")
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPaymentStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	creator := newWallet(t)
	eventID := declareAndActivate(t, f, creator)
	_ = eventID

	// Activation stored an observation for 0xpayment, so the cached path
	// answers without the ledger.
	f.ledger.txFn = func(txHash string) (*rpc.TransactionStatus, error) {
		return nil, errs.Wrap(errs.KindTransient, errors.New("node down"))
	}
	resp := f.get(t, "/api/payments/0xpayment")
	requireStatus(t, resp, http.StatusOK)
	var status lifecycle.PaymentStatus
	decodeBody(t, resp, &status)
	if !status.Cached || !status.Confirmed {
		t.Fatalf("unexpected payment status %+v", status)
	}

	resp = f.get(t, "/api/payments/0xpayment?verify=true")
	requireStatus(t, resp, http.StatusBadGateway)
	resp.Body.Close()
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/events/"+strings.Repeat("a", 64)+"/activate", map[string]string{"tx_hash": "0xtx"})
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = f.post(t, "/api/attendance/verify", map[string]interface{}{
		"event_id":   "nope",
		"qr_payload": map[string]interface{}{"event_id": "nope"},
	})
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = f.post(t, "/api/events/intent", "not json at all")
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.get(t, "/api/badges")
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestClosedWindowRejectsQR(t *testing.T) {
	f := newFixture(t)
	creator := newWallet(t)
	eventID := declareAndActivate(t, f, creator)

	start := time.Now().Unix() - 7200
	end := time.Now().Unix() - 3600
	openWindow(t, f, creator, eventID, start, &end)

	resp := f.get(t, "/api/events/"+eventID+"/qr")
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/healthz")
	requireStatus(t, resp, http.StatusOK)
	var health struct {
		Status            string  `json:"status"`
		CKBRPC            string  `json:"ckb_rpc"`
		Cache             string  `json:"cache"`
		LastBlockObserved *uint64 `json:"last_block_observed"`
	}
	decodeBody(t, resp, &health)
	if health.Status != "operational" || health.CKBRPC != "ok" || health.Cache != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.LastBlockObserved == nil || *health.LastBlockObserved != 1000 {
		t.Fatalf("last block = %v, want 1000", health.LastBlockObserved)
	}

	f.ledger.tipFn = nil
	resp = f.get(t, "/healthz")
	requireStatus(t, resp, http.StatusServiceUnavailable)
	decodeBody(t, resp, &health)
	if health.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", health.Status)
	}
}

func TestQRRateLimit(t *testing.T) {
	limiter := newQRRateLimiter(1, 1)
	handler := limiter.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/qr", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}

	// A different client has its own budget.
	other := httptest.NewRequest(http.MethodGet, "/qr", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d", rec.Code)
	}
}
