// Command sign_intent builds, signs and encodes a payment intent for manual
// testing against a running facilitator.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"paygate_app_echo/internal/x402"
)

func main() {
	requestID := flag.String("request", "", "Payment request id (mandatory)")
	amount := flag.String("amount", "", "Amount in atomic units (mandatory)")
	nonce := flag.Uint64("nonce", 0, "Nonce to sign with")
	validUntil := flag.Int64("valid_until", 0, "Unix expiry (optional, defaults to now+5m)")

	flag.Parse()

	if *requestID == "" || *amount == "" {
		fmt.Println("Usage: sign_intent -request <id> -amount <atomic> -nonce <n>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	keyHex := os.Getenv("PAYER_PRIVATE_KEY")
	if keyHex == "" {
		log.Fatal("PAYER_PRIVATE_KEY is not set")
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		log.Fatalf("Invalid private key: %v", err)
	}

	amountInt, ok := new(big.Int).SetString(*amount, 10)
	if !ok {
		log.Fatalf("Invalid amount %q", *amount)
	}

	chainID := int64(84532)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if _, err := fmt.Sscan(v, &chainID); err != nil {
			log.Fatalf("Invalid CHAIN_ID: %v", err)
		}
	}

	domain := x402.Domain{
		Name:              envOr("PROTOCOL_NAME", "PayGate"),
		Version:           envOr("PROTOCOL_VERSION", "1"),
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(os.Getenv("VERIFYING_CONTRACT")),
	}

	payer := crypto.PubkeyToAddress(privateKey.PublicKey)
	intent := x402.NewIntent(payer, *requestID, amountInt, *validUntil, *nonce)

	payload, err := domain.SignPayment(privateKey, envOr("NETWORK", "eip155:84532"), intent)
	if err != nil {
		log.Fatalf("Failed to sign intent: %v", err)
	}

	encoded, err := x402.EncodePayment(payload)
	if err != nil {
		log.Fatalf("Failed to encode payload: %v", err)
	}

	fmt.Printf("payer:   %s\n", payer.Hex())
	fmt.Printf("payload: %s\n", encoded)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
