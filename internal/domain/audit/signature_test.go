package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSealAndVerifyEntry(t *testing.T) {
	key := []byte("test-signing-key")
	entry := newEntry("session-1", OutcomeCompleted)

	if err := Seal(entry, nil, key); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(entry.Hash) == 0 || len(entry.Signature) == 0 {
		t.Fatalf("expected hash and signature set")
	}

	ok, err := VerifyEntry(entry, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid entry")
	}

	ok, err = VerifyEntry(entry, []byte("wrong-key"))
	if err != nil {
		t.Fatalf("verify with wrong key: %v", err)
	}
	if ok {
		t.Fatalf("expected signature mismatch with wrong key")
	}
}

func TestVerifyEntryDetectsTamper(t *testing.T) {
	key := []byte("test-signing-key")
	entry := newEntry("session-1", OutcomeCompleted)
	if err := Seal(entry, nil, key); err != nil {
		t.Fatalf("seal: %v", err)
	}

	entry.Amount = 999
	ok, err := VerifyEntry(entry, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expected hash mismatch after tamper")
	}
}

func TestVerifyChainLinksEntries(t *testing.T) {
	key := []byte("test-signing-key")

	first := newEntry("session-1", OutcomeCompleted)
	if err := Seal(first, nil, key); err != nil {
		t.Fatalf("seal first: %v", err)
	}
	second := newEntry("session-2", OutcomeRolledBack)
	if err := Seal(second, first, key); err != nil {
		t.Fatalf("seal second: %v", err)
	}
	third := newEntry("session-3", OutcomeFailed)
	if err := Seal(third, second, key); err != nil {
		t.Fatalf("seal third: %v", err)
	}

	ok, err := VerifyChain([]*Entry{first, second, third}, key)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !ok {
		t.Fatalf("expected intact chain")
	}

	// Dropping the middle entry must break the chain link.
	ok, err = VerifyChain([]*Entry{first, third}, key)
	if err != nil {
		t.Fatalf("verify broken chain: %v", err)
	}
	if ok {
		t.Fatalf("expected broken chain after removing an entry")
	}
}

func newEntry(sessionID string, outcome Outcome) *Entry {
	return &Entry{
		EntryID:            uuid.New(),
		SessionID:          sessionID,
		Outcome:            outcome,
		Stage:              "COMPLETED",
		SourceNetwork:      "net-a",
		DestinationNetwork: "net-b",
		TokenType:          "GOLD",
		Amount:             100,
		AttemptCount:       1,
		CreatedAt:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}
