package transfer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/satp-gateway/satp-gateway/internal/application/retry"
	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// CredentialResolver supplies the signing credential for a network.
type CredentialResolver interface {
	Resolve(networkID string) (ledger.Credential, error)
}

// StateMachine drives one session through the protocol stages, calling the
// ledger adapters and persisting the session record after every transition.
// It is the sole writer of a session's record while running; the manager
// enforces at-most-one concurrent run per session ID.
type StateMachine struct {
	store   session.Repository
	ledgers *ledger.Registry
	policy  retry.Policy
	creds   CredentialResolver
	events  EventSink
	logger  zerolog.Logger
}

func NewStateMachine(
	store session.Repository,
	ledgers *ledger.Registry,
	policy retry.Policy,
	creds CredentialResolver,
	events EventSink,
	logger zerolog.Logger,
) *StateMachine {
	return &StateMachine{
		store:   store,
		ledgers: ledgers,
		policy:  policy,
		creds:   creds,
		events:  events,
		logger:  logger.With().Str("service", "state_machine").Logger(),
	}
}

// Run executes the session from its current stage to a terminal state. The
// returned error is the proximate cause; the manager wraps it into a
// TransactError. A nil error means the transfer completed successfully.
func (m *StateMachine) Run(ctx context.Context, s *session.Data) error {
	for !s.IsTerminal() {
		var err error
		switch s.Stage {
		case session.StageInitiated:
			err = m.beginLock(ctx, s)
		case session.StageSourceLockPending:
			err = m.lockSource(ctx, s)
		case session.StageSourceLockConfirmed:
			err = m.beginMint(ctx, s)
		case session.StageDestinationMintPending:
			err = m.mintDestination(ctx, s)
		case session.StageDestinationMintConfirmed:
			err = m.releaseEscrow(ctx, s)
		case session.StageRollbackPending:
			// Resumed after a crash mid-rollback.
			return m.rollback(ctx, s, errors.New(s.LastError))
		default:
			return &InvalidStateError{SessionID: s.SessionID, Have: s.Stage}
		}
		if err == nil {
			continue
		}

		var invalidState *InvalidStateError
		var persistence *PersistenceError
		if errors.As(err, &invalidState) || errors.As(err, &persistence) {
			// Corruption or storage failure: surfaced as-is, no compensation
			// attempted on possibly-stale state.
			return err
		}
		return m.abort(ctx, s, err)
	}
	return nil
}

// beginLock validates the request and opens the source-lock stage.
func (m *StateMachine) beginLock(ctx context.Context, s *session.Data) error {
	if err := m.require(s, session.StageInitiated); err != nil {
		return err
	}
	if s.SourceAsset.Amount == 0 {
		return ledger.NewPermanentError(s.SourceNetworkID, ledger.MethodLock, errors.New("transfer amount must be positive"))
	}
	if s.SourceAsset.Amount != s.DestinationAsset.Amount {
		return ledger.NewPermanentError(s.SourceNetworkID, ledger.MethodLock, errors.New("source and destination amounts differ"))
	}
	if err := s.AdvanceTo(session.StageSourceLockPending); err != nil {
		return err
	}
	return m.persist(ctx, s)
}

// lockSource escrows the asset on the source ledger.
func (m *StateMachine) lockSource(ctx context.Context, s *session.Data) error {
	if err := m.require(s, session.StageSourceLockPending); err != nil {
		return err
	}
	rcpt, err := m.invokeWithRetry(ctx, s, stageCall{
		networkID:    s.SourceNetworkID,
		contractRef:  s.SourceAsset.ContractRef,
		method:       ledger.MethodLock,
		params:       m.lockParams(s),
		confirmQuery: ledger.QueryLockTxOf,
	})
	if err != nil {
		return err
	}
	s.AppendReceipt(m.receipt(s, session.StageSourceLockPending, rcpt))
	if err := s.AdvanceTo(session.StageSourceLockConfirmed); err != nil {
		return err
	}
	return m.persist(ctx, s)
}

// beginMint verifies the lock landed before opening the mint stage. The lock
// receipt alone is trusted only as far as the source ledger confirms it.
func (m *StateMachine) beginMint(ctx context.Context, s *session.Data) error {
	if err := m.require(s, session.StageSourceLockConfirmed); err != nil {
		return err
	}
	adapter, err := m.ledgers.Get(s.SourceNetworkID)
	if err != nil {
		return err
	}
	txID, err := adapter.Query(ctx, s.SourceAsset.ContractRef, ledger.QueryLockTxOf, m.lockParams(s))
	if err != nil {
		return err
	}
	if txID == "" {
		return ledger.NewPermanentError(s.SourceNetworkID, ledger.QueryLockTxOf,
			fmt.Errorf("source lock not found for session %s", s.SessionID))
	}
	if err := s.AdvanceTo(session.StageDestinationMintPending); err != nil {
		return err
	}
	return m.persist(ctx, s)
}

// mintDestination issues the asset on the destination ledger.
func (m *StateMachine) mintDestination(ctx context.Context, s *session.Data) error {
	if err := m.require(s, session.StageDestinationMintPending); err != nil {
		return err
	}
	rcpt, err := m.invokeWithRetry(ctx, s, stageCall{
		networkID:    s.DestinationNetworkID,
		contractRef:  s.DestinationAsset.ContractRef,
		method:       ledger.MethodMint,
		params:       m.mintParams(s),
		confirmQuery: ledger.QueryMintTxOf,
	})
	if err != nil {
		return err
	}
	s.AppendReceipt(m.receipt(s, session.StageDestinationMintPending, rcpt))
	if err := s.AdvanceTo(session.StageDestinationMintConfirmed); err != nil {
		return err
	}
	return m.persist(ctx, s)
}

// releaseEscrow burns the escrowed source amount, completing the transfer.
// After this the escrow account holds nothing for the session.
func (m *StateMachine) releaseEscrow(ctx context.Context, s *session.Data) error {
	if err := m.require(s, session.StageDestinationMintConfirmed); err != nil {
		return err
	}
	rcpt, err := m.invokeWithRetry(ctx, s, stageCall{
		networkID:    s.SourceNetworkID,
		contractRef:  s.SourceAsset.ContractRef,
		method:       ledger.MethodBurn,
		params:       m.lockParams(s),
		confirmQuery: ledger.QueryBurnTxOf,
	})
	if err != nil {
		return err
	}
	s.AppendReceipt(m.receipt(s, session.StageDestinationMintConfirmed, rcpt))
	if err := s.Complete(); err != nil {
		return err
	}
	return m.persist(ctx, s)
}

// abort enters the rollback path with the given cause.
func (m *StateMachine) abort(ctx context.Context, s *session.Data, cause error) error {
	m.logger.Warn().Err(cause).
		Str("session_id", s.SessionID).
		Str("stage", string(s.Stage)).
		Msg("stage failed, starting rollback")

	if err := s.BeginRollback(cause.Error()); err != nil {
		return fmt.Errorf("rollback transition from %s: %w (cause: %v)", s.Stage, err, cause)
	}
	if err := m.persist(ctx, s); err != nil {
		return err
	}
	return m.rollback(ctx, s, cause)
}

// rollback compensates whichever ledger already completed its side: a minted
// destination amount is burned back, a locked source amount is released to
// its owner. If compensation itself fails the session is marked fatally
// Failed and left for manual intervention; retrying a half-undone transfer
// automatically risks compounding ledger-state divergence.
func (m *StateMachine) rollback(ctx context.Context, s *session.Data, cause error) error {
	if err := m.reconcileReceipts(ctx, s); err != nil {
		return m.failFatal(ctx, s, fmt.Errorf("rollback reconciliation failed: %w (cause: %v)", err, cause))
	}

	if mintRcpt := s.ReceiptFor(session.StageDestinationMintPending); mintRcpt != nil {
		rcpt, err := m.invokeOnce(ctx, s.DestinationNetworkID, s.DestinationAsset.ContractRef, ledger.MethodBurn, m.mintParams(s))
		if err != nil {
			return m.failFatal(ctx, s, fmt.Errorf("compensation burn on %s failed: %w (cause: %v)", s.DestinationNetworkID, err, cause))
		}
		s.AppendReceipt(m.receipt(s, session.StageRollbackPending, rcpt))
	}

	if lockRcpt := s.ReceiptFor(session.StageSourceLockPending); lockRcpt != nil {
		rcpt, err := m.invokeOnce(ctx, s.SourceNetworkID, s.SourceAsset.ContractRef, ledger.MethodUnlock, m.lockParams(s))
		if err != nil {
			return m.failFatal(ctx, s, fmt.Errorf("compensation unlock on %s failed: %w (cause: %v)", s.SourceNetworkID, err, cause))
		}
		s.AppendReceipt(m.receipt(s, session.StageRollbackPending, rcpt))
	}

	if err := s.FinishRollback(); err != nil {
		return err
	}
	if err := m.persist(ctx, s); err != nil {
		return err
	}
	return cause
}

// reconcileReceipts closes the gap between in-session receipts and ledger
// reality before compensation. A submission whose response was lost leaves no
// receipt; compensating from receipts alone would then skip its undo and
// strand funds on one side. Only stages the session actually entered are
// checked, and a query failure is fatal: compensating blind against a ledger
// we cannot read risks exactly the divergence rollback exists to prevent.
func (m *StateMachine) reconcileReceipts(ctx context.Context, s *session.Data) error {
	checks := []struct {
		stage     session.Stage
		networkID string
		contract  string
		method    string
		query     string
		params    map[string]string
	}{
		{session.StageSourceLockPending, s.SourceNetworkID, s.SourceAsset.ContractRef, ledger.MethodLock, ledger.QueryLockTxOf, m.lockParams(s)},
		{session.StageDestinationMintPending, s.DestinationNetworkID, s.DestinationAsset.ContractRef, ledger.MethodMint, ledger.QueryMintTxOf, m.mintParams(s)},
	}

	changed := false
	for _, c := range checks {
		if !s.Entered(c.stage) || s.ReceiptFor(c.stage) != nil {
			continue
		}
		adapter, err := m.ledgers.Get(c.networkID)
		if err != nil {
			return err
		}
		txID, err := adapter.Query(ctx, c.contract, c.query, c.params)
		if err != nil {
			return fmt.Errorf("confirm %s on %s: %w", c.method, c.networkID, err)
		}
		if txID == "" {
			continue
		}
		m.logger.Warn().
			Str("session_id", s.SessionID).
			Str("method", c.method).
			Str("tx_id", txID).
			Msg("unreceipted transaction found on ledger, including it in rollback")
		s.AppendReceipt(m.receipt(s, c.stage, &ledger.Receipt{
			TxID:        txID,
			NetworkID:   c.networkID,
			Method:      c.method,
			ConfirmedAt: time.Now().UTC(),
		}))
		changed = true
	}
	if changed {
		return m.persist(ctx, s)
	}
	return nil
}

// failFatal records a non-recoverable failure requiring manual intervention.
func (m *StateMachine) failFatal(ctx context.Context, s *session.Data, cause error) error {
	m.logger.Error().Err(cause).
		Str("session_id", s.SessionID).
		Msg("compensation failed, manual intervention required")
	s.MarkFailed(cause.Error())
	if err := m.persist(ctx, s); err != nil {
		return err
	}
	return cause
}

type stageCall struct {
	networkID   string
	contractRef string
	method      string
	params      map[string]string
	// confirmQuery, when set, marks the call non-idempotent: before any
	// retry the ledger is re-queried for a landed transaction, since a
	// timed-out submission may still have been confirmed on-chain.
	confirmQuery string
}

// invokeWithRetry executes one ledger call under the session's retry budget.
// The attempt counter and last error are persisted after every failure so a
// crashed gateway resumes with an accurate budget.
func (m *StateMachine) invokeWithRetry(ctx context.Context, s *session.Data, call stageCall) (*ledger.Receipt, error) {
	adapter, err := m.ledgers.Get(call.networkID)
	if err != nil {
		return nil, err
	}
	cred, err := m.creds.Resolve(call.networkID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for {
		if s.AttemptCount > 0 && call.confirmQuery != "" {
			if rcpt := m.landedReceipt(ctx, adapter, s, call); rcpt != nil {
				return rcpt, nil
			}
		}

		rcpt, invErr := adapter.Invoke(ctx, call.contractRef, call.method, call.params, cred)
		if invErr == nil {
			return rcpt, nil
		}

		s.AttemptCount++
		s.LastError = invErr.Error()
		if perr := m.persist(ctx, s); perr != nil {
			return nil, perr
		}
		if !ledger.IsRetryable(invErr) {
			// A deterministic rejection can be the shadow of an earlier
			// submission that landed (duplicate lock, burn of a gone lock).
			if rcpt := m.landedReceipt(ctx, adapter, s, call); rcpt != nil {
				return rcpt, nil
			}
			return nil, invErr
		}

		decision := m.policy.ShouldRetry(retry.Context{
			AttemptCount: s.AttemptCount,
			MaxRetries:   s.MaxRetries,
			MaxTimeout:   s.MaxTimeout,
			Elapsed:      time.Since(start),
		})
		if !decision.Retry {
			// Final check before giving up: the last submission may have
			// landed while its response was lost. Aborting without looking
			// would compensate against stale receipts.
			if rcpt := m.landedReceipt(ctx, adapter, s, call); rcpt != nil {
				return rcpt, nil
			}
			return nil, fmt.Errorf("stage %s: transaction failed after %d attempts: %w", s.Stage, s.AttemptCount, invErr)
		}
		m.logger.Debug().
			Str("session_id", s.SessionID).
			Str("method", call.method).
			Int("attempt", s.AttemptCount).
			Dur("delay", decision.Delay).
			Msg("retrying ledger call")
		if err := sleepCtx(ctx, decision.Delay); err != nil {
			return nil, err
		}
	}
}

// landedReceipt re-queries the ledger for a transaction that landed while
// its submission response was lost, returning a synthesized receipt for it.
// Nil when the query is unset, errors, or finds nothing.
func (m *StateMachine) landedReceipt(ctx context.Context, adapter ledger.Adapter, s *session.Data, call stageCall) *ledger.Receipt {
	if call.confirmQuery == "" {
		return nil
	}
	txID, err := adapter.Query(ctx, call.contractRef, call.confirmQuery, call.params)
	if err != nil || txID == "" {
		return nil
	}
	m.logger.Info().
		Str("session_id", s.SessionID).
		Str("method", call.method).
		Str("tx_id", txID).
		Msg("earlier submission landed, skipping re-invoke")
	return &ledger.Receipt{
		TxID:        txID,
		NetworkID:   call.networkID,
		Method:      call.method,
		ConfirmedAt: time.Now().UTC(),
	}
}

// invokeOnce performs a single compensation attempt without a retry loop.
func (m *StateMachine) invokeOnce(ctx context.Context, networkID, contractRef, method string, params map[string]string) (*ledger.Receipt, error) {
	adapter, err := m.ledgers.Get(networkID)
	if err != nil {
		return nil, err
	}
	cred, err := m.creds.Resolve(networkID)
	if err != nil {
		return nil, err
	}
	return adapter.Invoke(ctx, contractRef, method, params, cred)
}

func (m *StateMachine) require(s *session.Data, want session.Stage) error {
	if s.Stage != want {
		return &InvalidStateError{SessionID: s.SessionID, Have: s.Stage, Want: want}
	}
	return nil
}

func (m *StateMachine) persist(ctx context.Context, s *session.Data) error {
	if err := m.store.Put(ctx, s); err != nil {
		return &PersistenceError{Op: "put", SessionID: s.SessionID, Err: err}
	}
	if m.events != nil {
		m.events.Publish(Event{
			SessionID: s.SessionID,
			Stage:     s.Stage,
			Status:    s.Status,
			LastError: s.LastError,
			At:        time.Now().UTC(),
		})
	}
	return nil
}

func (m *StateMachine) receipt(s *session.Data, stage session.Stage, rcpt *ledger.Receipt) session.Receipt {
	return session.Receipt{
		ReceiptID:   uuid.New().String(),
		NetworkID:   rcpt.NetworkID,
		Stage:       stage,
		Method:      rcpt.Method,
		TxID:        rcpt.TxID,
		ConfirmedAt: rcpt.ConfirmedAt,
	}
}

func (m *StateMachine) lockParams(s *session.Data) map[string]string {
	return map[string]string{
		"sessionId": s.SessionID,
		"owner":     s.SourceAsset.Owner,
		"tokenType": s.SourceAsset.TokenType,
		"reference": s.SourceAsset.ReferenceID,
		"amount":    strconv.FormatUint(s.SourceAsset.Amount, 10),
	}
}

func (m *StateMachine) mintParams(s *session.Data) map[string]string {
	return map[string]string{
		"sessionId": s.SessionID,
		"owner":     s.DestinationAsset.Owner,
		"tokenType": s.DestinationAsset.TokenType,
		"reference": s.DestinationAsset.ReferenceID,
		"amount":    strconv.FormatUint(s.DestinationAsset.Amount, 10),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Still honor cancellation between attempts.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
