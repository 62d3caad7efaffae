package ledger

import (
	"errors"
	"fmt"
)

// EVMOptions configures an EVM-compatible connector.
type EVMOptions struct {
	RPCURL        string `json:"rpcUrl"`
	ChainID       int64  `json:"chainId"`
	BridgeAddress string `json:"bridgeAddress"`
	GasLimit      uint64 `json:"gasLimit,omitempty"`
}

// SimnetOptions configures a simnet connector. Either Endpoint (remote node)
// or InProcess (embedded state machine, used by local clusters and tests)
// must be set.
type SimnetOptions struct {
	Endpoint  string `json:"endpoint,omitempty"`
	InProcess bool   `json:"inProcess,omitempty"`
}

// ConnectorOptions is a tagged union over ledger kind; exactly one variant
// matching Kind must be populated.
type ConnectorOptions struct {
	NetworkID string         `json:"networkId"`
	Kind      Kind           `json:"kind"`
	EVM       *EVMOptions    `json:"evm,omitempty"`
	Simnet    *SimnetOptions `json:"simnet,omitempty"`
}

// Validate checks the variant matches the kind tag.
func (o ConnectorOptions) Validate() error {
	if o.NetworkID == "" {
		return errors.New("networkId is required")
	}
	switch o.Kind {
	case KindEVM:
		if o.EVM == nil {
			return fmt.Errorf("network %s: evm options required", o.NetworkID)
		}
		if o.EVM.RPCURL == "" {
			return fmt.Errorf("network %s: rpcUrl is required", o.NetworkID)
		}
		if o.EVM.BridgeAddress == "" {
			return fmt.Errorf("network %s: bridgeAddress is required", o.NetworkID)
		}
	case KindSimnet:
		if o.Simnet == nil {
			return fmt.Errorf("network %s: simnet options required", o.NetworkID)
		}
		if o.Simnet.Endpoint == "" && !o.Simnet.InProcess {
			return fmt.Errorf("network %s: simnet endpoint or inProcess required", o.NetworkID)
		}
	default:
		return fmt.Errorf("network %s: unsupported ledger kind %q", o.NetworkID, o.Kind)
	}
	return nil
}
