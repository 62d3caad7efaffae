package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/satp-gateway/satp-gateway/internal/simnet/protocol"
)

var (
	ErrDuplicateTx       = errors.New("transaction already applied")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrLockExists        = errors.New("lock already exists for session")
	ErrNoLock            = errors.New("no lock recorded for session")
)

// BridgeAccount returns the escrow account custodying a token's locked
// amounts. Counterparties approve this account before a transfer.
func BridgeAccount(tokenType string) string {
	return "bridge:" + tokenType
}

// Lock is an escrowed amount held for one transfer session.
type Lock struct {
	SessionID string `json:"sessionId"`
	TokenType string `json:"tokenType"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	TxID      string `json:"txId"`
	Released  bool   `json:"released"`
}

// Mint records an issued amount keyed by session.
type Mint struct {
	SessionID string `json:"sessionId"`
	TokenType string `json:"tokenType"`
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	TxID      string `json:"txId"`
}

// Burn records a destroyed amount keyed by session. Kept so a gateway whose
// burn response was lost can confirm the burn landed instead of resubmitting.
type Burn struct {
	SessionID string `json:"sessionId"`
	TokenType string `json:"tokenType"`
	Amount    uint64 `json:"amount"`
	TxID      string `json:"txId"`
}

type snapshot struct {
	// Balances is tokenType -> account -> balance.
	Balances  map[string]map[string]uint64 `json:"balances"`
	Locks     map[string]Lock              `json:"locks"`
	Mints     map[string]Mint              `json:"mints"`
	Burns     map[string]Burn              `json:"burns"`
	AppliedTx map[string]bool              `json:"appliedTx"`
	Height    uint64                       `json:"height"`
}

func emptySnapshot() snapshot {
	return snapshot{
		Balances:  map[string]map[string]uint64{},
		Locks:     map[string]Lock{},
		Mints:     map[string]Mint{},
		Burns:     map[string]Burn{},
		AppliedTx: map[string]bool{},
	}
}

// Machine is the deterministic token ledger replicated through raft. Every
// Apply is idempotent on tx_id, so a replayed log entry is a no-op.
type Machine struct {
	mu sync.RWMutex
	s  snapshot
}

func NewMachine() *Machine {
	return &Machine{s: emptySnapshot()}
}

// Apply executes one verified command. The command's signature must already
// have been checked by the caller; Apply only enforces ledger rules.
func (m *Machine) Apply(cmd protocol.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.s.AppliedTx[cmd.TxID] {
		return nil // replay of a committed entry
	}

	var err error
	switch cmd.Op {
	case protocol.OpSeed:
		err = m.applySeed(cmd)
	case protocol.OpLock:
		err = m.applyLock(cmd)
	case protocol.OpUnlock:
		err = m.applyUnlock(cmd)
	case protocol.OpMint:
		err = m.applyMint(cmd)
	case protocol.OpBurn:
		err = m.applyBurn(cmd)
	default:
		err = fmt.Errorf("unsupported op: %s", cmd.Op)
	}
	if err != nil {
		return err
	}
	m.s.AppliedTx[cmd.TxID] = true
	m.s.Height++
	return nil
}

func (m *Machine) applySeed(cmd protocol.Command) error {
	var p protocol.SeedPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return fmt.Errorf("decode seed payload: %w", err)
	}
	if p.TokenType == "" || p.Account == "" {
		return errors.New("seed requires token_type and account")
	}
	m.credit(p.TokenType, p.Account, p.Amount)
	return nil
}

func (m *Machine) applyLock(cmd protocol.Command) error {
	var p protocol.LockPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return fmt.Errorf("decode lock payload: %w", err)
	}
	if cmd.SessionID == "" {
		return errors.New("lock requires session_id")
	}
	if existing, ok := m.s.Locks[cmd.SessionID]; ok && !existing.Released {
		return fmt.Errorf("%w: %s", ErrLockExists, cmd.SessionID)
	}
	if err := m.debit(p.TokenType, p.Owner, p.Amount); err != nil {
		return err
	}
	m.credit(p.TokenType, BridgeAccount(p.TokenType), p.Amount)
	m.s.Locks[cmd.SessionID] = Lock{
		SessionID: cmd.SessionID,
		TokenType: p.TokenType,
		Owner:     p.Owner,
		Amount:    p.Amount,
		TxID:      cmd.TxID,
	}
	return nil
}

func (m *Machine) applyUnlock(cmd protocol.Command) error {
	lock, ok := m.s.Locks[cmd.SessionID]
	if !ok || lock.Released {
		return fmt.Errorf("%w: %s", ErrNoLock, cmd.SessionID)
	}
	if err := m.debit(lock.TokenType, BridgeAccount(lock.TokenType), lock.Amount); err != nil {
		return err
	}
	m.credit(lock.TokenType, lock.Owner, lock.Amount)
	lock.Released = true
	m.s.Locks[cmd.SessionID] = lock
	return nil
}

func (m *Machine) applyMint(cmd protocol.Command) error {
	var p protocol.MintPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return fmt.Errorf("decode mint payload: %w", err)
	}
	if cmd.SessionID == "" {
		return errors.New("mint requires session_id")
	}
	if _, ok := m.s.Mints[cmd.SessionID]; ok {
		return fmt.Errorf("mint already recorded for session %s", cmd.SessionID)
	}
	m.credit(p.TokenType, p.Owner, p.Amount)
	m.s.Mints[cmd.SessionID] = Mint{
		SessionID: cmd.SessionID,
		TokenType: p.TokenType,
		Owner:     p.Owner,
		Amount:    p.Amount,
		TxID:      cmd.TxID,
	}
	return nil
}

// applyBurn destroys the session's escrowed amount when a lock exists, or
// burns back a recorded mint during compensation.
func (m *Machine) applyBurn(cmd protocol.Command) error {
	if lock, ok := m.s.Locks[cmd.SessionID]; ok && !lock.Released {
		if err := m.debit(lock.TokenType, BridgeAccount(lock.TokenType), lock.Amount); err != nil {
			return err
		}
		lock.Released = true
		m.s.Locks[cmd.SessionID] = lock
		m.s.Burns[cmd.SessionID] = Burn{
			SessionID: cmd.SessionID,
			TokenType: lock.TokenType,
			Amount:    lock.Amount,
			TxID:      cmd.TxID,
		}
		return nil
	}
	if mint, ok := m.s.Mints[cmd.SessionID]; ok {
		if err := m.debit(mint.TokenType, mint.Owner, mint.Amount); err != nil {
			return err
		}
		delete(m.s.Mints, cmd.SessionID)
		m.s.Burns[cmd.SessionID] = Burn{
			SessionID: cmd.SessionID,
			TokenType: mint.TokenType,
			Amount:    mint.Amount,
			TxID:      cmd.TxID,
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoLock, cmd.SessionID)
}

func (m *Machine) credit(tokenType, account string, amount uint64) {
	accounts, ok := m.s.Balances[tokenType]
	if !ok {
		accounts = map[string]uint64{}
		m.s.Balances[tokenType] = accounts
	}
	accounts[account] += amount
}

func (m *Machine) debit(tokenType, account string, amount uint64) error {
	accounts := m.s.Balances[tokenType]
	if accounts == nil || accounts[account] < amount {
		return fmt.Errorf("%w: token=%s account=%s need=%d have=%d",
			ErrInsufficientFunds, tokenType, account, amount, accounts[account])
	}
	accounts[account] -= amount
	return nil
}

// BalanceOf returns an account's balance for a token.
func (m *Machine) BalanceOf(tokenType, account string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Balances[tokenType][account]
}

// LockOf returns the active lock for a session, if any.
func (m *Machine) LockOf(sessionID string) (Lock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.s.Locks[sessionID]
	if !ok || lock.Released {
		return Lock{}, false
	}
	return lock, true
}

// MintOf returns the recorded mint for a session, if any.
func (m *Machine) MintOf(sessionID string) (Mint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mint, ok := m.s.Mints[sessionID]
	return mint, ok
}

// BurnOf returns the recorded burn for a session, if any.
func (m *Machine) BurnOf(sessionID string) (Burn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	burn, ok := m.s.Burns[sessionID]
	return burn, ok
}

// Height returns the number of applied commands.
func (m *Machine) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Height
}

// Marshal serializes the current snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores machine state from a snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Balances == nil {
		s.Balances = map[string]map[string]uint64{}
	}
	if s.Locks == nil {
		s.Locks = map[string]Lock{}
	}
	if s.Mints == nil {
		s.Mints = map[string]Mint{}
	}
	if s.Burns == nil {
		s.Burns = map[string]Burn{}
	}
	if s.AppliedTx == nil {
		s.AppliedTx = map[string]bool{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}
