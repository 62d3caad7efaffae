package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	simapi "github.com/satp-gateway/satp-gateway/internal/simnet/api"
	"github.com/satp-gateway/satp-gateway/internal/simnet/consensus"
	"github.com/satp-gateway/satp-gateway/internal/simnet/protocol"
)

type runtimeConfig struct {
	NodeID            string
	RaftAddr          string
	HTTPAddr          string
	DataDir           string
	Bootstrap         bool
	ApplyTimeout      time.Duration
	JoinEndpoint      string
	JoinRetries       int
	JoinRetryDelay    time.Duration
	StartupWaitLeader time.Duration
	Genesis           []genesisBalance
	GenesisKey        ed25519.PrivateKey
}

// genesisBalance is one "tokenType:account:amount" entry from SIMNET_GENESIS.
type genesisBalance struct {
	TokenType string
	Account   string
	Amount    uint64
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.NodeID,
		RaftAddr:       cfg.RaftAddr,
		DataDir:        cfg.DataDir,
		Bootstrap:      cfg.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   cfg.ApplyTimeout,
	})
	if err != nil {
		log.Fatalf("create raft node: %v", err)
	}
	defer func() {
		_ = node.Shutdown()
	}()

	if !cfg.Bootstrap && cfg.JoinEndpoint != "" {
		if err := joinCluster(cfg); err != nil {
			log.Printf("join cluster failed: %v", err)
		} else {
			log.Printf("joined cluster via %s", cfg.JoinEndpoint)
		}
	}

	if cfg.StartupWaitLeader > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupWaitLeader)
		_, _ = node.WaitForLeader(ctx, 150*time.Millisecond)
		cancel()
	}

	if len(cfg.Genesis) > 0 && node.IsLeader() {
		if err := seedGenesis(node, cfg); err != nil {
			log.Printf("genesis seed failed: %v", err)
		} else {
			log.Printf("seeded %d genesis balances", len(cfg.Genesis))
		}
	}

	apiServer := simapi.NewServer(node)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("simnode listening on %s (node_id=%s raft_addr=%s bootstrap=%t)", cfg.HTTPAddr, cfg.NodeID, cfg.RaftAddr, cfg.Bootstrap)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = node.Shutdown()
}

func loadConfig() (*runtimeConfig, error) {
	hostname, _ := os.Hostname()
	nodeID := getenv("SIMNET_NODE_ID", strings.TrimSpace(hostname))
	if nodeID == "" {
		nodeID = "sim-1"
	}
	raftAddr := getenv("SIMNET_RAFT_ADDR", "127.0.0.1:17000")
	httpAddr := getenv("SIMNET_HTTP_ADDR", "0.0.0.0:18080")
	bootstrap := parseBool(getenv("SIMNET_BOOTSTRAP", "false"), false)
	applyTimeout := parseDuration(getenv("SIMNET_APPLY_TIMEOUT", "5s"), 5*time.Second)
	joinEndpoint := strings.TrimSpace(getenv("SIMNET_JOIN_ENDPOINT", ""))
	joinRetries := parseInt(getenv("SIMNET_JOIN_RETRIES", "30"), 30)
	joinRetryDelay := parseDuration(getenv("SIMNET_JOIN_RETRY_DELAY", "1s"), time.Second)
	startupWait := parseDuration(getenv("SIMNET_STARTUP_WAIT_LEADER", "4s"), 4*time.Second)

	dataDir := strings.TrimSpace(getenv("SIMNET_DATA_DIR", ""))
	if dataDir == "" {
		dataDir = filepath.Join("tmp", "simnode", nodeID)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	genesis, err := parseGenesis(os.Getenv("SIMNET_GENESIS"))
	if err != nil {
		return nil, err
	}
	var genesisKey ed25519.PrivateKey
	if len(genesis) > 0 {
		seed, err := hex.DecodeString(getenv("SIMNET_GENESIS_KEY", ""))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, errors.New("SIMNET_GENESIS requires SIMNET_GENESIS_KEY, a hex ed25519 seed")
		}
		genesisKey = ed25519.NewKeyFromSeed(seed)
	}

	return &runtimeConfig{
		NodeID:            nodeID,
		RaftAddr:          raftAddr,
		HTTPAddr:          httpAddr,
		DataDir:           dataDir,
		Bootstrap:         bootstrap,
		ApplyTimeout:      applyTimeout,
		JoinEndpoint:      joinEndpoint,
		JoinRetries:       joinRetries,
		JoinRetryDelay:    joinRetryDelay,
		StartupWaitLeader: startupWait,
		Genesis:           genesis,
		GenesisKey:        genesisKey,
	}, nil
}

func parseGenesis(raw string) ([]genesisBalance, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []genesisBalance
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("SIMNET_GENESIS entry %q: want tokenType:account:amount", entry)
		}
		amount, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("SIMNET_GENESIS entry %q: %v", entry, err)
		}
		out = append(out, genesisBalance{TokenType: parts[0], Account: parts[1], Amount: amount})
	}
	return out, nil
}

// seedGenesis credits the configured balances through the replicated log so
// followers converge on the same genesis state. Seed commands are idempotent
// on tx_id, so re-running after a restart is harmless.
func seedGenesis(node *consensus.Node, cfg *runtimeConfig) error {
	for _, bal := range cfg.Genesis {
		payload, err := json.Marshal(protocol.SeedPayload{
			TokenType: bal.TokenType,
			Account:   bal.Account,
			Amount:    bal.Amount,
		})
		if err != nil {
			return err
		}
		cmd := protocol.Command{
			TxID:      fmt.Sprintf("genesis-%s-%s", bal.TokenType, bal.Account),
			Nonce:     uuid.New().String(),
			Timestamp: time.Now().UTC(),
			Actor:     "genesis",
			Op:        protocol.OpSeed,
			Payload:   payload,
		}
		if err := cmd.Sign(cfg.GenesisKey); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ApplyTimeout)
		err = node.Apply(ctx, cmd)
		cancel()
		if err != nil {
			return fmt.Errorf("seed %s/%s: %w", bal.TokenType, bal.Account, err)
		}
	}
	return nil
}

func joinCluster(cfg *runtimeConfig) error {
	endpoint := strings.TrimRight(cfg.JoinEndpoint, "/") + "/v1/simnet/raft/join"
	payload := map[string]string{
		"node_id":   cfg.NodeID,
		"raft_addr": cfg.RaftAddr,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < cfg.JoinRetries; i++ {
		req, _ := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(cfg.JoinRetryDelay)
			continue
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		time.Sleep(cfg.JoinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}

func getenv(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func parseBool(raw string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func parseInt(raw string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func parseDuration(raw string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}
