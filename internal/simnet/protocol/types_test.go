package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"
)

func TestCommandSignAndVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, _ := json.Marshal(LockPayload{
		TokenType: "GOLD",
		Owner:     "acct:alice",
		Amount:    100,
	})
	cmd := Command{
		TxID:      "tx-1",
		SessionID: "session-1",
		Nonce:     "n1",
		Timestamp: time.Now().UTC(),
		Actor:     "gateway",
		Op:        OpLock,
		Payload:   payload,
	}
	if err := cmd.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := cmd.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	cmd.Actor = "intruder"
	if err := cmd.Verify(); err == nil {
		t.Fatalf("expected verify failure after tamper")
	}
}

func TestValidateBasicRejectsUnknownOp(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, _ := json.Marshal(SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 1})
	cmd := Command{
		TxID:      "tx-2",
		Nonce:     "n2",
		Timestamp: time.Now().UTC(),
		Actor:     "gateway",
		Op:        Operation("TRANSMUTE"),
		Payload:   payload,
	}
	if err := cmd.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := cmd.Verify(); err == nil {
		t.Fatalf("expected rejection of unknown op")
	}
}
