package handlers

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"paygate_app_echo/internal/models"
	"paygate_app_echo/internal/services"
	"paygate_app_echo/internal/x402"
)

const testNetwork = "eip155:84532"

type stubLedger struct {
	mu     sync.Mutex
	counts map[common.Address]uint64
}

func (l *stubLedger) GetNonceCount(ctx context.Context, payer common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[payer], nil
}

func (l *stubLedger) SubmitSignedIntent(ctx context.Context, intent *x402.PaymentIntent, signature string) (*services.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if intent.Nonce < l.counts[intent.Payer] {
		return nil, services.ErrAlreadyUsedNonce
	}
	l.counts[intent.Payer] = intent.Nonce + 1
	return &services.SubmitResult{TxRef: "0xdeadbeef"}, nil
}

type handlerFixture struct {
	svc    *services.SettlementService
	domain x402.Domain
	key    *ecdsa.PrivateKey
	payer  common.Address
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.PaymentRequest{}, &models.Settlement{}, &models.AccessProof{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	domain := x402.Domain{
		Name:              "PayGate",
		Version:           "1",
		ChainID:           84532,
		VerifyingContract: common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	ledger := &stubLedger{counts: make(map[common.Address]uint64)}
	nonces := services.NewNonceAllocator(services.NewLocalLock(), services.NewMemoryNonceStore(), ledger)

	return &handlerFixture{
		svc:    services.NewSettlementService(db, ledger, nonces, domain, testNetwork, 0),
		domain: domain,
		key:    key,
		payer:  crypto.PubkeyToAddress(key.PublicKey),
	}
}

// facilitatorBody builds the JSON body for /verify and /settle: a signed
// envelope for the request plus matching requirements.
func (f *handlerFixture) facilitatorBody(t *testing.T, request *models.PaymentRequest, amount int64) string {
	t.Helper()

	intent := x402.NewIntent(f.payer, request.ID.String(), big.NewInt(amount), 0, 0)
	payload, err := f.domain.SignPayment(f.key, testNetwork, intent)
	if err != nil {
		t.Fatalf("sign payment: %v", err)
	}
	encoded, err := x402.EncodePayment(payload)
	if err != nil {
		t.Fatalf("encode payment: %v", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"payload": encoded,
		"requirements": x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           testNetwork,
			MaxAmountRequired: request.Amount,
			PayTo:             request.PayTo,
		},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return string(body)
}

func postJSON(handler echo.HandlerFunc, path, body string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	err := handler(e.NewContext(req, rec))
	return rec, err
}

func TestVerifyEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewFacilitatorHandler(f.svc)

	request, err := f.svc.CreateRequest(context.Background(), "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B", "100", "test-server", 5*time.Minute, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	t.Run("valid payment", func(t *testing.T) {
		rec, err := postJSON(h.VerifyPayment, "/verify", f.facilitatorBody(t, request, 100))
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		var resp x402.VerifyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if !resp.Valid || resp.Payer != f.payer.Hex() {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("amount mismatch", func(t *testing.T) {
		rec, err := postJSON(h.VerifyPayment, "/verify", f.facilitatorBody(t, request, 50))
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body)
		}
		var resp x402.VerifyResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Valid || resp.InvalidReason != string(x402.CodeTermsMismatch) {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("garbage payload", func(t *testing.T) {
		rec, err := postJSON(h.VerifyPayment, "/verify", `{"payload":"%%%","requirements":{}}`)
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestSettleEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewFacilitatorHandler(f.svc)

	request, err := f.svc.CreateRequest(context.Background(), "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B", "100", "test-server", 5*time.Minute, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	body := f.facilitatorBody(t, request, 100)

	rec, err := postJSON(h.SettlePayment, "/settle", body)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	var resp x402.SettleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.TransactionHash != "0xdeadbeef" || resp.AccessProofID == "" {
		t.Errorf("unexpected response %+v", resp)
	}

	// The settlement is mirrored into the relayable response header.
	header := rec.Header().Get("X-Payment-Response")
	if header == "" {
		t.Fatal("missing X-Payment-Response header")
	}
	mirrored, err := x402.DecodeSettleResponse(header)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if mirrored.TransactionHash != resp.TransactionHash {
		t.Errorf("header tx %q != body tx %q", mirrored.TransactionHash, resp.TransactionHash)
	}

	// Replaying the same settlement conflicts.
	rec, err = postJSON(h.SettlePayment, "/settle", body)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("replay status = %d, want 409: %s", rec.Code, rec.Body)
	}
	var replay x402.SettleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &replay); err != nil {
		t.Fatalf("decode replay response: %v", err)
	}
	if replay.Success || replay.Error != string(x402.CodeAlreadySettled) {
		t.Errorf("unexpected replay response %+v", replay)
	}
}

func TestProofEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewFacilitatorHandler(f.svc)

	request, err := f.svc.CreateRequest(context.Background(), "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B", "100", "test-server", 5*time.Minute, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	outcome, err := f.svc.Settle(context.Background(), mustEnvelope(t, f, request), x402.PaymentRequirements{
		Scheme: x402.SchemeExact, Network: testNetwork,
		MaxAmountRequired: request.Amount, PayTo: request.PayTo,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	e := echo.New()

	get := func(handler echo.HandlerFunc, id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(id)
		if err := handler(c); err != nil {
			e.HTTPErrorHandler(err, c)
		}
		return rec
	}

	rec := get(h.GetProof, outcome.AccessProofID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("get proof status = %d: %s", rec.Code, rec.Body)
	}

	rec = get(h.RevokeProof, outcome.AccessProofID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d: %s", rec.Code, rec.Body)
	}
	var proof models.AccessProof
	if err := json.Unmarshal(rec.Body.Bytes(), &proof); err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if !proof.Revoked {
		t.Error("proof not revoked")
	}

	rec = get(h.GetProof, uuid.NewString())
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown proof status = %d, want 404", rec.Code)
	}
}

func mustEnvelope(t *testing.T, f *handlerFixture, request *models.PaymentRequest) string {
	t.Helper()
	intent := x402.NewIntent(f.payer, request.ID.String(), big.NewInt(100), 0, 0)
	payload, err := f.domain.SignPayment(f.key, testNetwork, intent)
	if err != nil {
		t.Fatalf("sign payment: %v", err)
	}
	encoded, err := x402.EncodePayment(payload)
	if err != nil {
		t.Fatalf("encode payment: %v", err)
	}
	return encoded
}
