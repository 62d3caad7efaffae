package state

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/satp-gateway/satp-gateway/internal/simnet/protocol"
)

func TestLockEscrowsIntoBridgeAccount(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	mustApply(t, m, signedCmd(t, priv, "tx-001", "", protocol.OpSeed,
		protocol.SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 100}))
	mustApply(t, m, signedCmd(t, priv, "tx-002", "session-1", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 100}))

	if got := m.BalanceOf("GOLD", "acct:alice"); got != 0 {
		t.Fatalf("expected owner drained, got %d", got)
	}
	if got := m.BalanceOf("GOLD", BridgeAccount("GOLD")); got != 100 {
		t.Fatalf("expected 100 in escrow, got %d", got)
	}
	lock, ok := m.LockOf("session-1")
	if !ok {
		t.Fatalf("expected active lock for session-1")
	}
	if lock.Amount != 100 || lock.Owner != "acct:alice" {
		t.Fatalf("unexpected lock record: %+v", lock)
	}
}

func TestLockRejectsInsufficientFunds(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	mustApply(t, m, signedCmd(t, priv, "tx-001", "", protocol.OpSeed,
		protocol.SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 10}))
	err := m.Apply(signedCmd(t, priv, "tx-002", "session-1", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 100}))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestDuplicateLockForSessionRejected(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	mustApply(t, m, signedCmd(t, priv, "tx-001", "", protocol.OpSeed,
		protocol.SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 100}))
	mustApply(t, m, signedCmd(t, priv, "tx-002", "session-1", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 50}))
	err := m.Apply(signedCmd(t, priv, "tx-003", "session-1", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 50}))
	if !errors.Is(err, ErrLockExists) {
		t.Fatalf("expected lock exists, got %v", err)
	}
}

func TestApplyIsIdempotentOnTxID(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	cmd := signedCmd(t, priv, "tx-seed", "", protocol.OpSeed,
		protocol.SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 100})
	mustApply(t, m, cmd)
	mustApply(t, m, cmd)

	if got := m.BalanceOf("GOLD", "acct:alice"); got != 100 {
		t.Fatalf("replay must not re-credit, got %d", got)
	}
	if m.Height() != 1 {
		t.Fatalf("replay must not advance height, got %d", m.Height())
	}
}

func TestUnlockReturnsEscrowToOwner(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	mustApply(t, m, signedCmd(t, priv, "tx-001", "", protocol.OpSeed,
		protocol.SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 100}))
	mustApply(t, m, signedCmd(t, priv, "tx-002", "session-1", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 100}))
	mustApply(t, m, signedCmd(t, priv, "tx-003", "session-1", protocol.OpUnlock,
		protocol.UnlockPayload{TokenType: "GOLD"}))

	if got := m.BalanceOf("GOLD", "acct:alice"); got != 100 {
		t.Fatalf("expected balance restored, got %d", got)
	}
	if got := m.BalanceOf("GOLD", BridgeAccount("GOLD")); got != 0 {
		t.Fatalf("expected empty escrow, got %d", got)
	}
	if _, ok := m.LockOf("session-1"); ok {
		t.Fatalf("expected released lock to be invisible")
	}
}

func TestBurnDestroysEscrowedLock(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	mustApply(t, m, signedCmd(t, priv, "tx-001", "", protocol.OpSeed,
		protocol.SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 100}))
	mustApply(t, m, signedCmd(t, priv, "tx-002", "session-1", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 100}))
	mustApply(t, m, signedCmd(t, priv, "tx-003", "session-1", protocol.OpBurn,
		protocol.BurnPayload{TokenType: "GOLD"}))

	if got := m.BalanceOf("GOLD", BridgeAccount("GOLD")); got != 0 {
		t.Fatalf("expected escrow burned, got %d", got)
	}
	if got := m.BalanceOf("GOLD", "acct:alice"); got != 0 {
		t.Fatalf("burn must not refund owner, got %d", got)
	}
	burn, ok := m.BurnOf("session-1")
	if !ok {
		t.Fatalf("expected burn record for session-1")
	}
	if burn.TxID != "tx-003" || burn.Amount != 100 {
		t.Fatalf("unexpected burn record: %+v", burn)
	}
}

func TestBurnRemovesRecordedMint(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	mustApply(t, m, signedCmd(t, priv, "tx-001", "session-1", protocol.OpMint,
		protocol.MintPayload{TokenType: "GOLD", Owner: "acct:bob", Amount: 100}))
	if got := m.BalanceOf("GOLD", "acct:bob"); got != 100 {
		t.Fatalf("expected minted balance, got %d", got)
	}

	mustApply(t, m, signedCmd(t, priv, "tx-002", "session-1", protocol.OpBurn,
		protocol.BurnPayload{TokenType: "GOLD"}))
	if got := m.BalanceOf("GOLD", "acct:bob"); got != 0 {
		t.Fatalf("expected mint burned back, got %d", got)
	}
	if _, ok := m.MintOf("session-1"); ok {
		t.Fatalf("expected mint record removed")
	}
	burn, ok := m.BurnOf("session-1")
	if !ok {
		t.Fatalf("expected burn record for session-1")
	}
	if burn.TxID != "tx-002" {
		t.Fatalf("unexpected burn tx: %q", burn.TxID)
	}
}

func TestBurnWithoutLockOrMintFails(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	err := m.Apply(signedCmd(t, priv, "tx-001", "session-x", protocol.OpBurn,
		protocol.BurnPayload{TokenType: "GOLD"}))
	if !errors.Is(err, ErrNoLock) {
		t.Fatalf("expected no lock error, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)

	mustApply(t, m, signedCmd(t, priv, "tx-001", "", protocol.OpSeed,
		protocol.SeedPayload{TokenType: "GOLD", Account: "acct:alice", Amount: 75}))
	mustApply(t, m, signedCmd(t, priv, "tx-002", "session-1", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 25}))
	mustApply(t, m, signedCmd(t, priv, "tx-003", "session-2", protocol.OpLock,
		protocol.LockPayload{TokenType: "GOLD", Owner: "acct:alice", Amount: 10}))
	mustApply(t, m, signedCmd(t, priv, "tx-004", "session-2", protocol.OpBurn,
		protocol.BurnPayload{TokenType: "GOLD"}))

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := NewMachine()
	if err := restored.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := restored.BalanceOf("GOLD", "acct:alice"); got != 40 {
		t.Fatalf("expected 40 after restore, got %d", got)
	}
	if got := restored.BalanceOf("GOLD", BridgeAccount("GOLD")); got != 25 {
		t.Fatalf("expected 25 in escrow after restore, got %d", got)
	}
	burn, ok := restored.BurnOf("session-2")
	if !ok {
		t.Fatalf("expected burn record restored for session-2")
	}
	if burn.TxID != "tx-004" {
		t.Fatalf("unexpected restored burn tx: %q", burn.TxID)
	}
	if restored.Height() != 4 {
		t.Fatalf("expected height 4 after restore, got %d", restored.Height())
	}
}

func mustKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func mustApply(t *testing.T, m *Machine, cmd protocol.Command) {
	t.Helper()
	if err := m.Apply(cmd); err != nil {
		t.Fatalf("apply %s: %v", cmd.TxID, err)
	}
}

func signedCmd(t *testing.T, priv ed25519.PrivateKey, txID, sessionID string, op protocol.Operation, payload any) protocol.Command {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	cmd := protocol.Command{
		TxID:      txID,
		SessionID: sessionID,
		Nonce:     txID,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Actor:     "gateway",
		Op:        op,
		Payload:   raw,
	}
	if err := cmd.Sign(priv); err != nil {
		t.Fatalf("sign cmd: %v", err)
	}
	return cmd
}
