package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/satp-gateway/satp-gateway/internal/application/retry"
	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
	"github.com/satp-gateway/satp-gateway/internal/domain/session"
	"github.com/satp-gateway/satp-gateway/internal/domain/session/mocks"
	"github.com/satp-gateway/satp-gateway/internal/infrastructure/memstore"
)

// fakeAdapter is an in-memory ledger double. It records invoke counts per
// method and can be told to fail a method a fixed number of times (or always
// with failTimes < 0). A lossy method applies its ledger effect but reports
// a transient failure, like a submission whose response was lost in flight.
type fakeAdapter struct {
	mu          sync.Mutex
	id          string
	invokes     map[string]int
	failMethod  string
	failWith    error
	failTimes   int
	failed      int
	lossyMethod string
	lossyTimes  int
	lost        int
	lockTx      map[string]string
	mintTx      map[string]string
	burnTx      map[string]string
	// landedLockTx simulates a submission that timed out client-side but
	// landed on-chain: Query reports it even though Invoke failed.
	landedLockTx string
	// block, when non-nil, stalls Invoke until the channel is closed.
	block chan struct{}
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{
		id:      id,
		invokes: map[string]int{},
		lockTx:  map[string]string{},
		mintTx:  map[string]string{},
		burnTx:  map[string]string{},
	}
}

func (f *fakeAdapter) Network() ledger.Network {
	return ledger.Network{ID: f.id, Kind: ledger.KindSimnet}
}

func (f *fakeAdapter) Invoke(ctx context.Context, _ string, method string, params map[string]string, _ ledger.Credential) (*ledger.Receipt, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokes[method]++
	if method == f.failMethod && (f.failTimes < 0 || f.failed < f.failTimes) {
		f.failed++
		return nil, f.failWith
	}
	txID := fmt.Sprintf("%s-%s-%d", f.id, method, f.invokes[method])
	switch method {
	case ledger.MethodLock:
		f.lockTx[params["sessionId"]] = txID
	case ledger.MethodMint:
		f.mintTx[params["sessionId"]] = txID
	case ledger.MethodBurn:
		f.burnTx[params["sessionId"]] = txID
		delete(f.lockTx, params["sessionId"])
		delete(f.mintTx, params["sessionId"])
	case ledger.MethodUnlock:
		delete(f.lockTx, params["sessionId"])
	}
	if method == f.lossyMethod && (f.lossyTimes < 0 || f.lost < f.lossyTimes) {
		f.lost++
		return nil, ledger.NewInvocationError(f.id, method, errors.New("response lost"))
	}
	return &ledger.Receipt{TxID: txID, NetworkID: f.id, Method: method, ConfirmedAt: time.Now().UTC()}, nil
}

func (f *fakeAdapter) Query(_ context.Context, _ string, method string, params map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case ledger.QueryLockTxOf:
		if f.landedLockTx != "" {
			return f.landedLockTx, nil
		}
		return f.lockTx[params["sessionId"]], nil
	case ledger.QueryMintTxOf:
		return f.mintTx[params["sessionId"]], nil
	case ledger.QueryBurnTxOf:
		return f.burnTx[params["sessionId"]], nil
	case ledger.QueryBalanceOf:
		return "0", nil
	default:
		return "", fmt.Errorf("unsupported query: %s", method)
	}
}

func (f *fakeAdapter) ApproveAddress(_ context.Context, tokenType string) (string, error) {
	return "bridge:" + tokenType, nil
}

func (f *fakeAdapter) invokeCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes[method]
}

type staticCreds struct{}

func (staticCreds) Resolve(string) (ledger.Credential, error) {
	return ledger.Credential{KeyID: "test"}, nil
}

func newTestMachine(t *testing.T, store session.Repository, adapters ...ledger.Adapter) *StateMachine {
	t.Helper()
	registry := ledger.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	policy := &retry.ExponentialBackoff{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return NewStateMachine(store, registry, policy, staticCreds{}, nil, zerolog.Nop())
}

func newTestSession(maxRetries int) *session.Data {
	return session.New("session-1", "net-a", "net-b",
		session.Asset{ContractRef: "token-a", Owner: "acct:alice", TokenType: "GOLD", Amount: 100},
		session.Asset{ContractRef: "token-b", Owner: "acct:bob", TokenType: "GOLD", Amount: 100},
		maxRetries, 30*time.Second)
}

func TestRunCompletesForwardPath(t *testing.T) {
	src := newFakeAdapter("net-a")
	dst := newFakeAdapter("net-b")
	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(3)

	require.NoError(t, store.Put(context.Background(), s))
	require.NoError(t, machine.Run(context.Background(), s))

	assert.Equal(t, session.StatusSuccess, s.Status)
	assert.NotNil(t, s.CompletedAt)
	assert.Equal(t, []session.Stage{
		session.StageInitiated,
		session.StageSourceLockPending,
		session.StageSourceLockConfirmed,
		session.StageDestinationMintPending,
		session.StageDestinationMintConfirmed,
		session.StageCompleted,
	}, s.StageHistory)

	assert.Equal(t, 1, src.invokeCount(ledger.MethodLock))
	assert.Equal(t, 1, dst.invokeCount(ledger.MethodMint))
	assert.Equal(t, 1, src.invokeCount(ledger.MethodBurn))
	assert.Len(t, s.Receipts, 3)
}

func TestRunRollsBackWhenMintPermanentlyFails(t *testing.T) {
	src := newFakeAdapter("net-a")
	dst := newFakeAdapter("net-b")
	dst.failMethod = ledger.MethodMint
	dst.failTimes = -1
	dst.failWith = ledger.NewPermanentError("net-b", ledger.MethodMint, errors.New("mint reverted"))

	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(3)

	require.NoError(t, store.Put(context.Background(), s))
	err := machine.Run(context.Background(), s)
	require.Error(t, err)

	assert.Equal(t, session.StatusRolledBack, s.Status)
	assert.Equal(t, session.StageRolledBack, s.Stage)
	// Permanent errors never retry.
	assert.Equal(t, 1, dst.invokeCount(ledger.MethodMint))
	// Compensation released the source escrow, no destination burn-back
	// since the mint never landed.
	assert.Equal(t, 1, src.invokeCount(ledger.MethodUnlock))
	assert.Equal(t, 0, dst.invokeCount(ledger.MethodBurn))
}

func TestRetrySkipsReinvokeWhenSubmissionLanded(t *testing.T) {
	src := newFakeAdapter("net-a")
	src.failMethod = ledger.MethodLock
	src.failTimes = 1
	src.failWith = ledger.NewInvocationError("net-a", ledger.MethodLock, errors.New("rpc timeout"))
	src.landedLockTx = "tx-landed"
	dst := newFakeAdapter("net-b")

	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(3)

	require.NoError(t, store.Put(context.Background(), s))
	require.NoError(t, machine.Run(context.Background(), s))

	// The single failed submission actually landed; the retry must query it
	// out instead of locking twice.
	assert.Equal(t, 1, src.invokeCount(ledger.MethodLock))
	assert.Equal(t, session.StatusSuccess, s.Status)

	lockReceipt := s.ReceiptFor(session.StageSourceLockPending)
	require.NotNil(t, lockReceipt)
	assert.Equal(t, "tx-landed", lockReceipt.TxID)
}

func TestExhaustedRetryAdoptsLandedMint(t *testing.T) {
	src := newFakeAdapter("net-a")
	dst := newFakeAdapter("net-b")
	// The one permitted mint submission lands but its response is lost.
	dst.lossyMethod = ledger.MethodMint
	dst.lossyTimes = 1

	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(1)

	require.NoError(t, store.Put(context.Background(), s))
	require.NoError(t, machine.Run(context.Background(), s))

	// With the retry budget spent, the ledger must be consulted before
	// aborting: the mint is on-chain, so the transfer rolls forward. Undoing
	// it would leave minted funds behind an unlocked source.
	assert.Equal(t, session.StatusSuccess, s.Status)
	assert.Equal(t, 1, dst.invokeCount(ledger.MethodMint))
	assert.Equal(t, 1, src.invokeCount(ledger.MethodBurn))
	assert.Equal(t, 0, src.invokeCount(ledger.MethodUnlock))
	assert.Equal(t, 0, dst.invokeCount(ledger.MethodBurn))

	mintReceipt := s.ReceiptFor(session.StageDestinationMintPending)
	require.NotNil(t, mintReceipt)
	assert.Equal(t, dst.mintTx["session-1"], mintReceipt.TxID)
}

func TestBurnRetryAdoptsLandedBurn(t *testing.T) {
	src := newFakeAdapter("net-a")
	src.lossyMethod = ledger.MethodBurn
	src.lossyTimes = 1
	dst := newFakeAdapter("net-b")

	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(3)

	require.NoError(t, store.Put(context.Background(), s))
	require.NoError(t, machine.Run(context.Background(), s))

	// The burn landed on the first submission; re-invoking it would fail
	// against the already-released escrow and tear down a finished transfer.
	assert.Equal(t, session.StatusSuccess, s.Status)
	assert.Equal(t, 1, src.invokeCount(ledger.MethodBurn))
	assert.Equal(t, 0, src.invokeCount(ledger.MethodUnlock))
	assert.Equal(t, 0, dst.invokeCount(ledger.MethodBurn))

	burnReceipt := s.ReceiptFor(session.StageDestinationMintConfirmed)
	require.NotNil(t, burnReceipt)
	assert.Equal(t, src.burnTx["session-1"], burnReceipt.TxID)
}

func TestRollbackReconcilesUnreceiptedMint(t *testing.T) {
	src := newFakeAdapter("net-a")
	dst := newFakeAdapter("net-b")
	// The mint is on the destination ledger but the session never recorded a
	// receipt for it, as after a crash between confirmation and persistence.
	dst.mintTx["session-1"] = "mint-landed"

	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(3)
	require.NoError(t, s.AdvanceTo(session.StageSourceLockPending))
	s.AppendReceipt(session.Receipt{
		ReceiptID: "rcpt-lock", NetworkID: "net-a",
		Stage: session.StageSourceLockPending, Method: ledger.MethodLock, TxID: "lock-1",
	})
	require.NoError(t, s.AdvanceTo(session.StageSourceLockConfirmed))
	require.NoError(t, s.AdvanceTo(session.StageDestinationMintPending))
	require.NoError(t, s.BeginRollback("mint response lost"))
	require.NoError(t, store.Put(context.Background(), s))

	err := machine.Run(context.Background(), s)
	require.Error(t, err)

	// Compensation must consult the ledger, not just the receipts: the
	// landed mint gets burned back alongside the recorded lock's unlock.
	assert.Equal(t, session.StatusRolledBack, s.Status)
	assert.Equal(t, 1, dst.invokeCount(ledger.MethodBurn))
	assert.Equal(t, 1, src.invokeCount(ledger.MethodUnlock))
	mintReceipt := s.ReceiptFor(session.StageDestinationMintPending)
	require.NotNil(t, mintReceipt)
	assert.Equal(t, "mint-landed", mintReceipt.TxID)
}

func TestCompensationFailureMarksSessionFailed(t *testing.T) {
	src := newFakeAdapter("net-a")
	src.failMethod = ledger.MethodUnlock
	src.failTimes = -1
	src.failWith = ledger.NewPermanentError("net-a", ledger.MethodUnlock, errors.New("unlock reverted"))
	dst := newFakeAdapter("net-b")
	dst.failMethod = ledger.MethodMint
	dst.failTimes = -1
	dst.failWith = ledger.NewPermanentError("net-b", ledger.MethodMint, errors.New("mint reverted"))

	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(3)

	require.NoError(t, store.Put(context.Background(), s))
	err := machine.Run(context.Background(), s)
	require.Error(t, err)

	assert.Equal(t, session.StatusFailed, s.Status)
	assert.Equal(t, session.StageRollbackPending, s.Stage)
	assert.Contains(t, s.LastError, "compensation")
}

func TestPersistenceFailureSurfacedWithoutCompensation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockRepository(ctrl)
	store.EXPECT().Put(gomock.Any(), gomock.Any()).Return(errors.New("connection refused")).AnyTimes()

	src := newFakeAdapter("net-a")
	dst := newFakeAdapter("net-b")
	machine := newTestMachine(t, store, src, dst)
	s := newTestSession(3)

	err := machine.Run(context.Background(), s)
	require.Error(t, err)

	var persistence *PersistenceError
	require.ErrorAs(t, err, &persistence)
	// No ledger call may happen on state that could not be recorded, and no
	// rollback is attempted on possibly stale state.
	assert.Equal(t, 0, src.invokeCount(ledger.MethodLock))
	assert.Equal(t, 0, src.invokeCount(ledger.MethodUnlock))
	assert.Equal(t, session.StatusActive, s.Status)
}

func TestRunResumesFromPersistedStage(t *testing.T) {
	src := newFakeAdapter("net-a")
	dst := newFakeAdapter("net-b")
	store := memstore.NewSessionRepository()
	machine := newTestMachine(t, store, src, dst)

	// Simulate a crash after the lock stage opened: the persisted record says
	// SOURCE_LOCK_PENDING and the run must pick up from there.
	s := newTestSession(3)
	require.NoError(t, s.AdvanceTo(session.StageSourceLockPending))
	require.NoError(t, store.Put(context.Background(), s))

	require.NoError(t, machine.Run(context.Background(), s))
	assert.Equal(t, session.StatusSuccess, s.Status)
	assert.Equal(t, 1, src.invokeCount(ledger.MethodLock))
}
