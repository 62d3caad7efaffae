package evm

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
)

// bridgeABI is the asset-bridge contract interface the gateway drives. Lock
// and mint are keyed by session ID so the contract itself rejects double
// submissions for the same session.
const bridgeABI = `[
	{"type":"function","name":"lock","inputs":[{"name":"sessionId","type":"string"},{"name":"owner","type":"address"},{"name":"tokenType","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"unlock","inputs":[{"name":"sessionId","type":"string"}],"outputs":[]},
	{"type":"function","name":"mint","inputs":[{"name":"sessionId","type":"string"},{"name":"owner","type":"address"},{"name":"tokenType","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"burn","inputs":[{"name":"sessionId","type":"string"}],"outputs":[]},
	{"type":"function","name":"balanceOf","inputs":[{"name":"tokenType","type":"string"},{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"lockTxOf","inputs":[{"name":"sessionId","type":"string"}],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"},
	{"type":"function","name":"mintTxOf","inputs":[{"name":"sessionId","type":"string"}],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"},
	{"type":"function","name":"burnTxOf","inputs":[{"name":"sessionId","type":"string"}],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"}
]`

const receiptPollInterval = 500 * time.Millisecond

// Adapter drives an EVM bridge contract through JSON-RPC.
type Adapter struct {
	network  ledger.Network
	client   *ethclient.Client
	chainID  *big.Int
	bridge   common.Address
	abi      abi.ABI
	gasLimit uint64
	logger   zerolog.Logger
}

func NewAdapter(networkID string, opts ledger.EVMOptions, logger zerolog.Logger) (*Adapter, error) {
	client, err := ethclient.Dial(opts.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", opts.RPCURL)
	}
	parsed, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse bridge abi")
	}
	gasLimit := opts.GasLimit
	if gasLimit == 0 {
		gasLimit = 300_000
	}
	return &Adapter{
		network:  ledger.Network{ID: networkID, Kind: ledger.KindEVM},
		client:   client,
		chainID:  big.NewInt(opts.ChainID),
		bridge:   common.HexToAddress(opts.BridgeAddress),
		abi:      parsed,
		gasLimit: gasLimit,
		logger:   logger.With().Str("service", "evm_adapter").Str("network", networkID).Logger(),
	}, nil
}

func (a *Adapter) Network() ledger.Network {
	return a.network
}

// Invoke submits a signed bridge transaction and waits for it to mine. A
// mined-but-reverted transaction is a permanent failure; RPC and mining
// timeouts stay retryable since the submission may still land.
func (a *Adapter) Invoke(ctx context.Context, _ string, method string, params map[string]string, cred ledger.Credential) (*ledger.Receipt, error) {
	data, err := a.packCall(method, params)
	if err != nil {
		return nil, ledger.NewPermanentError(a.network.ID, method, err)
	}
	key, err := crypto.ToECDSA(cred.PrivateKey)
	if err != nil {
		return nil, ledger.NewPermanentError(a.network.ID, method, errors.Wrapf(err, "credential %s", cred.KeyID))
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, ledger.NewInvocationError(a.network.ID, method, errors.Wrap(err, "pending nonce"))
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, ledger.NewInvocationError(a.network.ID, method, errors.Wrap(err, "suggest gas price"))
	}

	tx := types.NewTransaction(nonce, a.bridge, big.NewInt(0), a.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), key)
	if err != nil {
		return nil, ledger.NewPermanentError(a.network.ID, method, errors.Wrap(err, "sign transaction"))
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, ledger.NewInvocationError(a.network.ID, method, errors.Wrap(err, "send transaction"))
	}

	a.logger.Debug().
		Str("method", method).
		Str("tx_hash", signed.Hash().Hex()).
		Msg("transaction submitted")

	receipt, err := a.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, ledger.NewInvocationError(a.network.ID, method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, ledger.NewPermanentError(a.network.ID, method,
			errors.Errorf("transaction %s reverted", signed.Hash().Hex()))
	}
	return &ledger.Receipt{
		TxID:        signed.Hash().Hex(),
		NetworkID:   a.network.ID,
		Method:      method,
		BlockNumber: receipt.BlockNumber.Uint64(),
		ConfirmedAt: time.Now().UTC(),
	}, nil
}

// Query performs a view call against the bridge contract.
func (a *Adapter) Query(ctx context.Context, _ string, method string, params map[string]string) (string, error) {
	data, err := a.packCall(method, params)
	if err != nil {
		return "", err
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.bridge, Data: data}, nil)
	if err != nil {
		return "", errors.Wrapf(err, "call %s", method)
	}
	values, err := a.abi.Unpack(method, out)
	if err != nil {
		return "", errors.Wrapf(err, "unpack %s", method)
	}
	if len(values) == 0 {
		return "", nil
	}
	switch v := values[0].(type) {
	case *big.Int:
		return v.String(), nil
	case [32]byte:
		hash := common.BytesToHash(v[:])
		if hash == (common.Hash{}) {
			return "", nil
		}
		return hash.Hex(), nil
	default:
		return "", errors.Errorf("unexpected return type for %s", method)
	}
}

// ApproveAddress returns the bridge contract address; counterparties grant it
// the token allowance before a transfer.
func (a *Adapter) ApproveAddress(_ context.Context, _ string) (string, error) {
	return a.bridge.Hex(), nil
}

func (a *Adapter) Close() {
	a.client.Close()
}

func (a *Adapter) packCall(method string, params map[string]string) ([]byte, error) {
	switch method {
	case ledger.MethodLock, ledger.MethodMint:
		amount, ok := new(big.Int).SetString(params["amount"], 10)
		if !ok {
			return nil, errors.Errorf("invalid amount %q", params["amount"])
		}
		return a.abi.Pack(method, params["sessionId"], common.HexToAddress(params["owner"]), params["tokenType"], amount)
	case ledger.MethodUnlock, ledger.MethodBurn, ledger.QueryLockTxOf, ledger.QueryMintTxOf, ledger.QueryBurnTxOf:
		return a.abi.Pack(method, params["sessionId"])
	case ledger.QueryBalanceOf:
		return a.abi.Pack(method, params["tokenType"], common.HexToAddress(params["owner"]))
	default:
		return nil, errors.Errorf("unsupported method: %s", method)
	}
}

// waitMined polls for the transaction receipt until the context expires.
func (a *Adapter) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errors.Wrap(err, "transaction receipt")
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for %s", hash.Hex())
		case <-ticker.C:
		}
	}
}
