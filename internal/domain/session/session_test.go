package session

import (
	"testing"
	"time"
)

func newTestSession() *Data {
	src := Asset{ContractRef: "bridge", Owner: "alice", TokenType: "WREN", Amount: 100}
	dst := Asset{ContractRef: "0xbridge", Owner: "bob", TokenType: "WREN", Amount: 100}
	return New("sess-1", "simnet-local", "evm-dev", src, dst, 3, 5*time.Second)
}

func TestNewStartsInitiated(t *testing.T) {
	d := newTestSession()
	if d.Stage != StageInitiated {
		t.Fatalf("expected INITIATED, got %s", d.Stage)
	}
	if d.Status != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", d.Status)
	}
	if len(d.StageHistory) != 1 || d.StageHistory[0] != StageInitiated {
		t.Fatalf("unexpected stage history: %v", d.StageHistory)
	}
}

func TestForwardPath(t *testing.T) {
	d := newTestSession()
	forward := []Stage{
		StageSourceLockPending,
		StageSourceLockConfirmed,
		StageDestinationMintPending,
		StageDestinationMintConfirmed,
	}
	for _, s := range forward {
		if err := d.AdvanceTo(s); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	if err := d.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if d.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", d.Status)
	}
	if d.CompletedAt == nil {
		t.Fatal("expected completedAt to be set")
	}

	want := []Stage{
		StageInitiated,
		StageSourceLockPending,
		StageSourceLockConfirmed,
		StageDestinationMintPending,
		StageDestinationMintConfirmed,
		StageCompleted,
	}
	if len(d.StageHistory) != len(want) {
		t.Fatalf("expected %d history entries, got %d: %v", len(want), len(d.StageHistory), d.StageHistory)
	}
	for i, s := range want {
		if d.StageHistory[i] != s {
			t.Fatalf("history[%d]: expected %s, got %s", i, s, d.StageHistory[i])
		}
	}
}

func TestNoSkippingStages(t *testing.T) {
	d := newTestSession()
	if d.CanTransitionTo(StageDestinationMintPending) {
		t.Fatal("INITIATED must not skip to DESTINATION_MINT_PENDING")
	}
	if err := d.AdvanceTo(StageCompleted); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	d := newTestSession()
	if err := d.AdvanceTo(StageSourceLockPending); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if d.CanTransitionTo(StageInitiated) {
		t.Fatal("stage must not move backward")
	}
}

func TestRollbackReachableFromEveryNonTerminalStage(t *testing.T) {
	stages := []Stage{
		StageInitiated,
		StageSourceLockPending,
		StageSourceLockConfirmed,
		StageDestinationMintPending,
		StageDestinationMintConfirmed,
	}
	for _, s := range stages {
		d := newTestSession()
		d.Stage = s
		if !d.CanTransitionTo(StageRollbackPending) {
			t.Fatalf("rollback not reachable from %s", s)
		}
	}
}

func TestRollbackPath(t *testing.T) {
	d := newTestSession()
	if err := d.AdvanceTo(StageSourceLockPending); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := d.BeginRollback("destination mint exhausted retries"); err != nil {
		t.Fatalf("begin rollback: %v", err)
	}
	if d.LastError == "" {
		t.Fatal("expected lastError to be recorded")
	}
	if err := d.FinishRollback(); err != nil {
		t.Fatalf("finish rollback: %v", err)
	}
	if d.Status != StatusRolledBack {
		t.Fatalf("expected ROLLED_BACK status, got %s", d.Status)
	}
	if !d.IsTerminal() {
		t.Fatal("rolled-back session must be terminal")
	}
}

func TestTerminalStagesAbsorbing(t *testing.T) {
	d := newTestSession()
	d.Stage = StageCompleted
	for _, s := range []Stage{StageInitiated, StageSourceLockPending, StageRollbackPending} {
		if d.CanTransitionTo(s) {
			t.Fatalf("COMPLETED must not transition to %s", s)
		}
	}
	d.Stage = StageRolledBack
	if d.CanTransitionTo(StageRollbackPending) {
		t.Fatal("ROLLED_BACK must be absorbing")
	}
}

func TestAdvanceResetsAttemptCount(t *testing.T) {
	d := newTestSession()
	d.AttemptCount = 2
	if err := d.AdvanceTo(StageSourceLockPending); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if d.AttemptCount != 0 {
		t.Fatalf("expected attempt count reset, got %d", d.AttemptCount)
	}
}

func TestReceiptFor(t *testing.T) {
	d := newTestSession()
	d.AppendReceipt(Receipt{ReceiptID: "r1", Stage: StageSourceLockPending, TxID: "tx-1"})
	d.AppendReceipt(Receipt{ReceiptID: "r2", Stage: StageDestinationMintPending, TxID: "tx-2"})
	r := d.ReceiptFor(StageSourceLockPending)
	if r == nil || r.TxID != "tx-1" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if d.ReceiptFor(StageDestinationMintConfirmed) != nil {
		t.Fatal("expected no receipt for unexecuted stage")
	}
}

func TestMarkFailedIsTerminal(t *testing.T) {
	d := newTestSession()
	d.MarkFailed("compensation failed: manual intervention required")
	if !d.IsTerminal() {
		t.Fatal("failed session must be terminal")
	}
	if d.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", d.Status)
	}
}
