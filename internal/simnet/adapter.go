package simnet

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
	"github.com/satp-gateway/satp-gateway/internal/simnet/protocol"
	"github.com/satp-gateway/satp-gateway/internal/simnet/state"
)

// Backend abstracts where simnet commands are applied: the embedded state
// machine, a local raft node, or a remote simnode over HTTP.
type Backend interface {
	Apply(ctx context.Context, cmd protocol.Command) error
	BalanceOf(ctx context.Context, tokenType, account string) (uint64, error)
	LockOf(ctx context.Context, sessionID string) (*state.Lock, error)
	MintOf(ctx context.Context, sessionID string) (*state.Mint, error)
	BurnOf(ctx context.Context, sessionID string) (*state.Burn, error)
}

// Adapter exposes a simnet ledger through the gateway's adapter contract.
type Adapter struct {
	network ledger.Network
	backend Backend
	actor   string
}

func NewAdapter(networkID string, backend Backend) *Adapter {
	return &Adapter{
		network: ledger.Network{ID: networkID, Kind: ledger.KindSimnet},
		backend: backend,
		actor:   "gateway",
	}
}

func (a *Adapter) Network() ledger.Network {
	return a.network
}

// Invoke maps a bridge method onto a signed simnet command. The contractRef
// is unused: simnet has a single built-in bridge per token type.
func (a *Adapter) Invoke(ctx context.Context, _ string, method string, params map[string]string, cred ledger.Credential) (*ledger.Receipt, error) {
	cmd, err := a.buildCommand(method, params)
	if err != nil {
		return nil, ledger.NewPermanentError(a.network.ID, method, err)
	}
	key, err := signingKey(cred)
	if err != nil {
		return nil, ledger.NewPermanentError(a.network.ID, method, err)
	}
	if err := cmd.Sign(key); err != nil {
		return nil, ledger.NewPermanentError(a.network.ID, method, err)
	}

	if err := a.backend.Apply(ctx, *cmd); err != nil {
		if isLedgerRuleError(err) {
			return nil, ledger.NewPermanentError(a.network.ID, method, err)
		}
		return nil, ledger.NewInvocationError(a.network.ID, method, err)
	}
	return &ledger.Receipt{
		TxID:        cmd.TxID,
		NetworkID:   a.network.ID,
		Method:      method,
		ConfirmedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) Query(ctx context.Context, _ string, method string, params map[string]string) (string, error) {
	switch method {
	case ledger.QueryBalanceOf:
		balance, err := a.backend.BalanceOf(ctx, params["tokenType"], params["owner"])
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(balance, 10), nil
	case ledger.QueryLockTxOf:
		lock, err := a.backend.LockOf(ctx, params["sessionId"])
		if err != nil {
			return "", err
		}
		if lock == nil {
			return "", nil
		}
		return lock.TxID, nil
	case ledger.QueryMintTxOf:
		mint, err := a.backend.MintOf(ctx, params["sessionId"])
		if err != nil {
			return "", err
		}
		if mint == nil {
			return "", nil
		}
		return mint.TxID, nil
	case ledger.QueryBurnTxOf:
		burn, err := a.backend.BurnOf(ctx, params["sessionId"])
		if err != nil {
			return "", err
		}
		if burn == nil {
			return "", nil
		}
		return burn.TxID, nil
	default:
		return "", fmt.Errorf("unsupported query: %s", method)
	}
}

func (a *Adapter) ApproveAddress(_ context.Context, tokenType string) (string, error) {
	if tokenType == "" {
		return "", errors.New("tokenType is required")
	}
	return state.BridgeAccount(tokenType), nil
}

func (a *Adapter) buildCommand(method string, params map[string]string) (*protocol.Command, error) {
	amount, err := parseAmount(params["amount"])
	if err != nil && (method == ledger.MethodLock || method == ledger.MethodMint) {
		return nil, err
	}

	var op protocol.Operation
	var payload any
	switch method {
	case ledger.MethodLock:
		op = protocol.OpLock
		payload = protocol.LockPayload{TokenType: params["tokenType"], Owner: params["owner"], Amount: amount}
	case ledger.MethodUnlock:
		op = protocol.OpUnlock
		payload = protocol.UnlockPayload{TokenType: params["tokenType"]}
	case ledger.MethodMint:
		op = protocol.OpMint
		payload = protocol.MintPayload{TokenType: params["tokenType"], Owner: params["owner"], Amount: amount}
	case ledger.MethodBurn:
		op = protocol.OpBurn
		payload = protocol.BurnPayload{TokenType: params["tokenType"]}
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &protocol.Command{
		TxID:      uuid.New().String(),
		SessionID: params["sessionId"],
		Nonce:     uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Actor:     a.actor,
		Op:        op,
		Payload:   raw,
	}, nil
}

func parseAmount(raw string) (uint64, error) {
	if raw == "" {
		return 0, errors.New("amount is required")
	}
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, nil
}

func signingKey(cred ledger.Credential) (ed25519.PrivateKey, error) {
	switch len(cred.PrivateKey) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(cred.PrivateKey), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(cred.PrivateKey), nil
	default:
		return nil, fmt.Errorf("credential %s: invalid ed25519 key length %d", cred.KeyID, len(cred.PrivateKey))
	}
}

// isLedgerRuleError reports whether the failure is a deterministic ledger
// rule rejection; retrying those can never succeed.
func isLedgerRuleError(err error) bool {
	return errors.Is(err, state.ErrInsufficientFunds) ||
		errors.Is(err, state.ErrLockExists) ||
		errors.Is(err, state.ErrNoLock) ||
		errors.Is(err, errPermanentReject)
}
