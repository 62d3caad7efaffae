package ledger

import (
	"context"
	"time"
)

// Kind tags the ledger technology behind a network.
type Kind string

const (
	KindEVM    Kind = "EVM"
	KindSimnet Kind = "SIMNET"
)

// Network identifies one ledger the gateway can reach.
type Network struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Receipt is a confirmed ledger transaction. Adapters return a receipt only
// once the ledger confirmed the call, never for a bare submission.
type Receipt struct {
	TxID        string    `json:"txId"`
	NetworkID   string    `json:"networkId"`
	Method      string    `json:"method"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// Credential signs ledger submissions on behalf of the gateway.
type Credential struct {
	KeyID      string
	PrivateKey []byte
}

// Adapter is the per-chain capability consumed by the transfer engine.
// Params are opaque to the engine; each adapter maps method names and
// parameters onto its chain's contract calls. Every Invoke is at-least-once
// submitted and at-most-once confirmed: after a timeout the caller cannot
// assume the transaction did not land.
type Adapter interface {
	Network() Network
	Invoke(ctx context.Context, contractRef, method string, params map[string]string, cred Credential) (*Receipt, error)
	Query(ctx context.Context, contractRef, method string, params map[string]string) (string, error)
	ApproveAddress(ctx context.Context, tokenType string) (string, error)
}

// Well-known method names every bridge contract exposes. Adapters translate
// these onto the chain-specific contract interface.
const (
	MethodLock   = "lock"
	MethodUnlock = "unlock"
	MethodMint   = "mint"
	MethodBurn   = "burn"

	QueryBalanceOf = "balanceOf"
	QueryLockTxOf  = "lockTxOf"
	QueryMintTxOf  = "mintTxOf"
	QueryBurnTxOf  = "burnTxOf"
)
