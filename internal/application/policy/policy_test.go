package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

func TestEmptyRuleSetAdmitsEverything(t *testing.T) {
	engine, err := NewEngine(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Admit(sampleSession(100)); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestAmountLimitRule(t *testing.T) {
	engine, err := NewEngine([]string{"amount <= 1000"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if err := engine.Admit(sampleSession(1000)); err != nil {
		t.Fatalf("expected admission at limit, got %v", err)
	}

	err = engine.Admit(sampleSession(1001))
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rejection.Rule != "amount <= 1000" {
		t.Fatalf("unexpected rule in rejection: %q", rejection.Rule)
	}
}

func TestNetworkDistinctnessRule(t *testing.T) {
	engine, err := NewEngine([]string{"source_network != destination_network"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	s := sampleSession(10)
	s.DestinationNetworkID = s.SourceNetworkID
	if err := engine.Admit(s); err == nil {
		t.Fatalf("expected rejection of same-network transfer")
	}
}

func TestAllRulesMustPass(t *testing.T) {
	engine, err := NewEngine([]string{
		"amount <= 1000",
		"token_type == 'GOLD'",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	s := sampleSession(10)
	s.SourceAsset.TokenType = "SILVER"
	if err := engine.Admit(s); err == nil {
		t.Fatalf("expected rejection by token rule")
	}
}

func TestInvalidExpressionFailsCompile(t *testing.T) {
	if _, err := NewEngine([]string{"amount <= <="}, zerolog.Nop()); err == nil {
		t.Fatalf("expected compile error")
	}
}

func sampleSession(amount uint64) *session.Data {
	return session.New("session-1", "net-a", "net-b",
		session.Asset{ContractRef: "token-a", Owner: "acct:alice", TokenType: "GOLD", Amount: amount},
		session.Asset{ContractRef: "token-b", Owner: "acct:bob", TokenType: "GOLD", Amount: amount},
		3, 30*time.Second)
}
