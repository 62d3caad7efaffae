package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation defines the supported simnet ledger writes.
type Operation string

const (
	OpSeed   Operation = "SEED"
	OpLock   Operation = "LOCK"
	OpUnlock Operation = "UNLOCK"
	OpMint   Operation = "MINT"
	OpBurn   Operation = "BURN"
)

var validOps = map[Operation]struct{}{
	OpSeed:   {},
	OpLock:   {},
	OpUnlock: {},
	OpMint:   {},
	OpBurn:   {},
}

// Command is the signed, replicated ledger write envelope.
type Command struct {
	TxID      string          `json:"tx_id"`
	SessionID string          `json:"session_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

// SeedPayload credits an account out of thin air. Genesis and tests only.
type SeedPayload struct {
	TokenType string `json:"token_type"`
	Account   string `json:"account"`
	Amount    uint64 `json:"amount"`
}

// LockPayload escrows Amount from Owner into the token's bridge account.
type LockPayload struct {
	TokenType string `json:"token_type"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
}

// UnlockPayload releases a session's escrowed amount back to its owner.
type UnlockPayload struct {
	TokenType string `json:"token_type"`
}

// MintPayload issues Amount to Owner.
type MintPayload struct {
	TokenType string `json:"token_type"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
}

// BurnPayload destroys a session's escrowed or minted amount.
type BurnPayload struct {
	TokenType string `json:"token_type"`
}

type commandSignable struct {
	TxID      string          `json:"tx_id"`
	SessionID string          `json:"session_id,omitempty"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (c Command) CanonicalBytes() ([]byte, error) {
	signable := commandSignable{
		TxID:      strings.TrimSpace(c.TxID),
		SessionID: strings.TrimSpace(c.SessionID),
		Nonce:     strings.TrimSpace(c.Nonce),
		Timestamp: c.Timestamp.UTC(),
		Actor:     strings.TrimSpace(c.Actor),
		Op:        c.Op,
		Payload:   c.Payload,
		PublicKey: strings.TrimSpace(c.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable command fields.
func (c Command) ValidateBasic() error {
	if strings.TrimSpace(c.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(c.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(c.Actor) == "" {
		return errors.New("actor is required")
	}
	if c.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[c.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
	if len(c.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(c.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(c.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets the command's public key and signature for the given private key.
func (c *Command) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	c.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := c.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	c.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks field validity and the ed25519 signature.
func (c Command) Verify() error {
	if err := c.ValidateBasic(); err != nil {
		return err
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.PublicKey))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid public key size")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := c.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
