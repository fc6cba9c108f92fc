package services

import (
	"context"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"paygate_app_echo/internal/models"
	"paygate_app_echo/internal/x402"
)

// SettlementService is the verifier and settlement engine: it checks signed
// payment intents against their requirements and executes the single
// mutating settlement step against the ledger and the request store.
type SettlementService struct {
	db     *gorm.DB
	ledger LedgerClient
	nonces *NonceAllocator
	domain x402.Domain

	network string
	feeBps  int64
}

func NewSettlementService(db *gorm.DB, ledger LedgerClient, nonces *NonceAllocator, domain x402.Domain, network string, feeBps int64) *SettlementService {
	return &SettlementService{
		db:      db,
		ledger:  ledger,
		nonces:  nonces,
		domain:  domain,
		network: network,
		feeBps:  feeBps,
	}
}

// Domain exposes the signing domain so clients built into the same process
// (tests, the agent runtime) can produce matching signatures.
func (s *SettlementService) Domain() x402.Domain {
	return s.domain
}

// Network returns the deployment identifier this service settles on.
func (s *SettlementService) Network() string {
	return s.network
}

// CreateRequest records payment terms before any payment happens.
func (s *SettlementService) CreateRequest(ctx context.Context, payTo, amount, creator string, validity time.Duration, paywallID *uuid.UUID) (*models.PaymentRequest, error) {
	request := &models.PaymentRequest{
		PayTo:      payTo,
		Amount:     amount,
		Creator:    creator,
		PaywallID:  paywallID,
		ValidUntil: time.Now().Add(validity),
	}
	if err := s.db.WithContext(ctx).Create(request).Error; err != nil {
		return nil, err
	}
	return request, nil
}

// GetRequest fetches a request, tolerating the indexing mirror's eventual
// consistency: a row missing on first read is retried briefly before being
// reported as not found.
func (s *SettlementService) GetRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	var request models.PaymentRequest
	for attempt := 0; ; attempt++ {
		err := s.db.WithContext(ctx).First(&request, "id = ?", id).Error
		if err == nil {
			return &request, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if attempt >= 2 {
			return nil, x402.Errorf(x402.CodeRequestNotFound, "payment request %s not found", id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(75 * time.Millisecond):
		}
	}
}

// CancelRequest moves a created request to the terminal cancelled state.
// Cancelling an already cancelled request is a no-op; a settled request
// cannot be cancelled.
func (s *SettlementService) CancelRequest(ctx context.Context, id uuid.UUID) (*models.PaymentRequest, error) {
	request, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.Settled {
		return nil, x402.Errorf(x402.CodeAlreadySettled, "request %s already settled", id)
	}
	if request.Cancelled {
		return request, nil
	}

	res := s.db.WithContext(ctx).Model(&models.PaymentRequest{}).
		Where("id = ? AND settled = ? AND cancelled = ?", id, false, false).
		Update("cancelled", true)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost a race against a concurrent settle.
		return nil, x402.Errorf(x402.CodeAlreadySettled, "request %s settled concurrently", id)
	}
	request.Cancelled = true
	return request, nil
}

// GetProof fetches an access proof by id.
func (s *SettlementService) GetProof(ctx context.Context, id uuid.UUID) (*models.AccessProof, error) {
	var proof models.AccessProof
	if err := s.db.WithContext(ctx).First(&proof, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &proof, nil
}

// RevokeProof is the one-way active -> revoked transition. Idempotent when
// the proof is already revoked.
func (s *SettlementService) RevokeProof(ctx context.Context, id uuid.UUID) (*models.AccessProof, error) {
	proof, err := s.GetProof(ctx, id)
	if err != nil {
		return nil, err
	}
	if proof.Revoked {
		return proof, nil
	}
	if err := s.db.WithContext(ctx).Model(proof).Update("revoked", true).Error; err != nil {
		return nil, err
	}
	proof.Revoked = true
	return proof, nil
}

// Verify decodes and checks a signed intent against the requirements. It
// performs no mutation and may be called repeatedly.
func (s *SettlementService) Verify(ctx context.Context, encodedPayload string, reqs x402.PaymentRequirements) (*x402.PaymentIntent, error) {
	payload, err := x402.DecodePayment(encodedPayload)
	if err != nil {
		return nil, err
	}
	intent, _, err := s.verifyPayload(ctx, payload, reqs)
	return intent, err
}

// verifyPayload runs the verification pipeline on a decoded envelope and
// returns the intent together with its signature for submission.
func (s *SettlementService) verifyPayload(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (*x402.PaymentIntent, string, error) {
	if payload.Version != x402.ProtocolVersion {
		return nil, "", x402.Errorf(x402.CodeBadPaymentHeader, "unsupported version %d", payload.Version)
	}
	if payload.Scheme != x402.SchemeExact || payload.Scheme != reqs.Scheme {
		return nil, "", x402.Errorf(x402.CodeTermsMismatch, "scheme %q not accepted", payload.Scheme)
	}
	if payload.Network != s.network || payload.Network != reqs.Network {
		return nil, "", x402.Errorf(x402.CodeTermsMismatch, "network %q not accepted", payload.Network)
	}

	intent, err := x402.ParseAuthorization(payload.Payload.Authorization)
	if err != nil {
		return nil, "", err
	}

	signer, err := s.domain.Recover(intent, payload.Payload.Signature)
	if err != nil {
		return nil, "", err
	}
	if signer != intent.Payer {
		return nil, "", x402.Errorf(x402.CodeInvalidSignature, "signature recovers to %s, claimed payer %s", signer.Hex(), intent.Payer.Hex())
	}

	if err := intent.MatchRequirements(reqs); err != nil {
		return nil, "", err
	}

	if intent.Expired(time.Now()) {
		return nil, "", x402.Errorf(x402.CodeExpired, "intent expired at %d", intent.ValidUntil)
	}

	requestID, err := uuid.Parse(intent.RequestID)
	if err != nil {
		return nil, "", x402.Errorf(x402.CodeRequestNotFound, "malformed request id %q", intent.RequestID)
	}
	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, "", err
	}
	if request.Cancelled {
		return nil, "", x402.Errorf(x402.CodeRequestCancelled, "request %s is cancelled", requestID)
	}
	if request.Settled {
		return nil, "", x402.Errorf(x402.CodeAlreadySettled, "request %s is already settled", requestID)
	}
	if !request.Open(time.Now()) {
		// Past its validity window but not yet cancelled by the sweep.
		return nil, "", x402.Errorf(x402.CodeExpired, "request %s validity window passed", requestID)
	}
	if request.PayTo != reqs.PayTo {
		return nil, "", x402.Errorf(x402.CodeTermsMismatch, "payTo %q does not match request recipient %q", reqs.PayTo, request.PayTo)
	}

	return intent, payload.Payload.Signature, nil
}

// SettleOutcome reports a completed settlement.
type SettleOutcome struct {
	TxRef         string
	AccessProofID uuid.UUID
	SettlementID  uuid.UUID
}

// Settle verifies the intent and executes the settlement. The ledger write is
// the single mutating step and is idempotent per (payer, nonce): a nonce the
// ledger has already consumed yields AlreadySettled, not a retry.
func (s *SettlementService) Settle(ctx context.Context, encodedPayload string, reqs x402.PaymentRequirements) (*SettleOutcome, error) {
	payload, err := x402.DecodePayment(encodedPayload)
	if err != nil {
		return nil, err
	}

	intent, signature, err := s.verifyPayload(ctx, payload, reqs)
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.SubmitSignedIntent(ctx, intent, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyUsedNonce):
			return nil, x402.Errorf(x402.CodeAlreadySettled, "nonce %d already consumed on ledger", intent.Nonce)
		case errors.Is(err, ErrNonceMismatch):
			// Local counter is out of step with the ledger; force the next
			// acquire to re-derive truth.
			if resetErr := s.nonces.Reset(ctx, intent.Payer); resetErr != nil {
				log.Printf("Warning: nonce reset for %s failed: %v", intent.Payer.Hex(), resetErr)
			}
			return nil, x402.NewError(x402.CodeSettlementFailed, err)
		default:
			if relErr := s.nonces.Release(ctx, intent.Payer, intent.Nonce); relErr != nil {
				log.Printf("Warning: nonce release for %s failed: %v", intent.Payer.Hex(), relErr)
			}
			return nil, x402.NewError(x402.CodeSettlementFailed, err)
		}
	}

	outcome, err := s.recordSettlement(ctx, intent, result)
	if err != nil {
		return nil, err
	}

	if err := s.nonces.Confirm(ctx, intent.Payer, intent.Nonce); err != nil {
		// The settlement itself succeeded; a failed confirm only delays the
		// counter until the next acquire reconciles with the ledger.
		log.Printf("Warning: nonce confirm for %s failed: %v", intent.Payer.Hex(), err)
	}

	return outcome, nil
}

// recordSettlement flips the request to settled and appends the Settlement
// and AccessProof rows. The guarded update is what makes a second concurrent
// settle observe AlreadySettled instead of double-writing.
func (s *SettlementService) recordSettlement(ctx context.Context, intent *x402.PaymentIntent, result *SubmitResult) (*SettleOutcome, error) {
	requestID := uuid.MustParse(intent.RequestID)

	request, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&models.PaymentRequest{}).
		Where("id = ? AND settled = ? AND cancelled = ?", requestID, false, false).
		Update("settled", true)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, x402.Errorf(x402.CodeAlreadySettled, "request %s settled concurrently", requestID)
	}

	proof := &models.AccessProof{
		RequestID: requestID,
		Payer:     intent.Payer.Hex(),
		Recipient: request.PayTo,
		Amount:    intent.Amount.String(),
		PaywallID: request.PaywallID,
	}
	if result.AccessProofID != "" {
		if id, parseErr := uuid.Parse(result.AccessProofID); parseErr == nil {
			proof.ID = id
		}
	}
	if err := s.db.WithContext(ctx).Create(proof).Error; err != nil {
		return nil, err
	}

	settlement := &models.Settlement{
		RequestID:     requestID,
		Payer:         intent.Payer.Hex(),
		PayTo:         request.PayTo,
		Amount:        intent.Amount.String(),
		PlatformFee:   s.platformFee(intent.Amount).String(),
		AccessProofID: proof.ID,
		LedgerTxRef:   result.TxRef,
	}
	if err := s.db.WithContext(ctx).Create(settlement).Error; err != nil {
		return nil, err
	}

	return &SettleOutcome{
		TxRef:         result.TxRef,
		AccessProofID: proof.ID,
		SettlementID:  settlement.ID,
	}, nil
}

func (s *SettlementService) platformFee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(s.feeBps))
	return fee.Div(fee, big.NewInt(10000))
}
