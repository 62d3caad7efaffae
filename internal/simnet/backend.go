package simnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/satp-gateway/satp-gateway/internal/simnet/consensus"
	"github.com/satp-gateway/satp-gateway/internal/simnet/protocol"
	"github.com/satp-gateway/satp-gateway/internal/simnet/state"
)

// errPermanentReject marks a remote 4xx rejection as non-retryable.
var errPermanentReject = errors.New("command rejected")

// LocalBackend applies commands straight to an embedded state machine.
// Single-process development setups and tests; no replication.
type LocalBackend struct {
	machine *state.Machine
}

func NewLocalBackend(machine *state.Machine) *LocalBackend {
	return &LocalBackend{machine: machine}
}

func (b *LocalBackend) Apply(_ context.Context, cmd protocol.Command) error {
	if err := cmd.Verify(); err != nil {
		return fmt.Errorf("%w: %v", errPermanentReject, err)
	}
	return b.machine.Apply(cmd)
}

func (b *LocalBackend) BalanceOf(_ context.Context, tokenType, account string) (uint64, error) {
	return b.machine.BalanceOf(tokenType, account), nil
}

func (b *LocalBackend) LockOf(_ context.Context, sessionID string) (*state.Lock, error) {
	lock, ok := b.machine.LockOf(sessionID)
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (b *LocalBackend) MintOf(_ context.Context, sessionID string) (*state.Mint, error) {
	mint, ok := b.machine.MintOf(sessionID)
	if !ok {
		return nil, nil
	}
	return &mint, nil
}

func (b *LocalBackend) BurnOf(_ context.Context, sessionID string) (*state.Burn, error) {
	burn, ok := b.machine.BurnOf(sessionID)
	if !ok {
		return nil, nil
	}
	return &burn, nil
}

// Machine exposes the embedded ledger for test assertions and seeding.
func (b *LocalBackend) Machine() *state.Machine {
	return b.machine
}

// NodeBackend applies commands through a co-located raft node.
type NodeBackend struct {
	node *consensus.Node
}

func NewNodeBackend(node *consensus.Node) *NodeBackend {
	return &NodeBackend{node: node}
}

func (b *NodeBackend) Apply(ctx context.Context, cmd protocol.Command) error {
	return b.node.Apply(ctx, cmd)
}

func (b *NodeBackend) BalanceOf(_ context.Context, tokenType, account string) (uint64, error) {
	return b.node.Machine().BalanceOf(tokenType, account), nil
}

func (b *NodeBackend) LockOf(_ context.Context, sessionID string) (*state.Lock, error) {
	lock, ok := b.node.Machine().LockOf(sessionID)
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (b *NodeBackend) MintOf(_ context.Context, sessionID string) (*state.Mint, error) {
	mint, ok := b.node.Machine().MintOf(sessionID)
	if !ok {
		return nil, nil
	}
	return &mint, nil
}

func (b *NodeBackend) BurnOf(_ context.Context, sessionID string) (*state.Burn, error) {
	burn, ok := b.node.Machine().BurnOf(sessionID)
	if !ok {
		return nil, nil
	}
	return &burn, nil
}

// Client talks to a remote simnode's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Apply(ctx context.Context, cmd protocol.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/simnet/commands", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg := readErrorMessage(resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("%w: %s", errPermanentReject, msg)
	}
	return fmt.Errorf("simnode returned %d: %s", resp.StatusCode, msg)
}

func (c *Client) BalanceOf(ctx context.Context, tokenType, account string) (uint64, error) {
	var out struct {
		Balance uint64 `json:"balance"`
	}
	path := fmt.Sprintf("/v1/simnet/balances/%s/%s", url.PathEscape(tokenType), url.PathEscape(account))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *Client) LockOf(ctx context.Context, sessionID string) (*state.Lock, error) {
	var out state.Lock
	path := "/v1/simnet/locks/" + url.PathEscape(sessionID)
	found, err := c.getJSONMaybe(ctx, path, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MintOf(ctx context.Context, sessionID string) (*state.Mint, error) {
	var out state.Mint
	path := "/v1/simnet/mints/" + url.PathEscape(sessionID)
	found, err := c.getJSONMaybe(ctx, path, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BurnOf(ctx context.Context, sessionID string) (*state.Burn, error) {
	var out state.Burn
	path := "/v1/simnet/burns/" + url.PathEscape(sessionID)
	found, err := c.getJSONMaybe(ctx, path, &out)
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	found, err := c.getJSONMaybe(ctx, path, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("simnode: %s not found", path)
	}
	return nil
}

func (c *Client) getJSONMaybe(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("simnode returned %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, err
	}
	return true, nil
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
	}
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "unreadable error body"
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	return string(raw)
}
