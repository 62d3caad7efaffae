package session

import (
	"errors"
	"time"
)

// Stage is a point in the transfer protocol state machine.
type Stage string

const (
	StageInitiated                Stage = "INITIATED"
	StageSourceLockPending        Stage = "SOURCE_LOCK_PENDING"
	StageSourceLockConfirmed      Stage = "SOURCE_LOCK_CONFIRMED"
	StageDestinationMintPending   Stage = "DESTINATION_MINT_PENDING"
	StageDestinationMintConfirmed Stage = "DESTINATION_MINT_CONFIRMED"
	StageCompleted                Stage = "COMPLETED"
	StageRollbackPending          Stage = "ROLLBACK_PENDING"
	StageRolledBack               Stage = "ROLLED_BACK"
)

// Status is the terminal marker of a session.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

var ErrInvalidTransition = errors.New("invalid session stage transition")

// Asset describes one side of a transfer.
type Asset struct {
	ContractRef string `json:"contractRef"`
	Owner       string `json:"owner"`
	ReferenceID string `json:"referenceId,omitempty"`
	TokenType   string `json:"tokenType"`
	Amount      uint64 `json:"amount"`
}

// Receipt is one confirmed ledger call. Receipts are append-only; an entry
// exists only for calls the ledger confirmed, never for mere submissions.
type Receipt struct {
	ReceiptID   string    `json:"receiptId"`
	NetworkID   string    `json:"networkId"`
	Stage       Stage     `json:"stage"`
	Method      string    `json:"method"`
	TxID        string    `json:"txId"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// Data is the durable record of one transfer attempt.
type Data struct {
	ID                   int64         `json:"id"`
	SessionID            string        `json:"sessionId"`
	Stage                Stage         `json:"stage"`
	Status               Status        `json:"status"`
	SourceNetworkID      string        `json:"sourceNetworkId"`
	DestinationNetworkID string        `json:"destinationNetworkId"`
	SourceAsset          Asset         `json:"sourceAsset"`
	DestinationAsset     Asset         `json:"destinationAsset"`
	MaxRetries           int           `json:"maxRetries"`
	MaxTimeout           time.Duration `json:"maxTimeout"`
	AttemptCount         int           `json:"attemptCount"`
	LastError            string        `json:"lastError,omitempty"`
	Receipts             []Receipt     `json:"receipts,omitempty"`
	StageHistory         []Stage       `json:"stageHistory"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	CompletedAt          *time.Time    `json:"completedAt,omitempty"`
}

// New creates a session at INITIATED.
func New(sessionID, sourceNetworkID, destinationNetworkID string, source, destination Asset, maxRetries int, maxTimeout time.Duration) *Data {
	now := time.Now().UTC()
	return &Data{
		SessionID:            sessionID,
		Stage:                StageInitiated,
		Status:               StatusActive,
		SourceNetworkID:      sourceNetworkID,
		DestinationNetworkID: destinationNetworkID,
		SourceAsset:          source,
		DestinationAsset:     destination,
		MaxRetries:           maxRetries,
		MaxTimeout:           maxTimeout,
		StageHistory:         []Stage{StageInitiated},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// CanTransitionTo validates a stage transition. Rollback is reachable from
// every non-terminal stage; everything else only moves forward.
func (d *Data) CanTransitionTo(target Stage) bool {
	transitions := map[Stage][]Stage{
		StageInitiated:                {StageSourceLockPending, StageRollbackPending},
		StageSourceLockPending:        {StageSourceLockConfirmed, StageRollbackPending},
		StageSourceLockConfirmed:      {StageDestinationMintPending, StageRollbackPending},
		StageDestinationMintPending:   {StageDestinationMintConfirmed, StageRollbackPending},
		StageDestinationMintConfirmed: {StageCompleted, StageRollbackPending},
		StageCompleted:                {},
		StageRollbackPending:          {StageRolledBack},
		StageRolledBack:               {},
	}
	for _, s := range transitions[d.Stage] {
		if s == target {
			return true
		}
	}
	return false
}

// AdvanceTo moves the session forward one stage and resets the per-stage
// attempt counter. Retries within a stage never produce history entries.
func (d *Data) AdvanceTo(target Stage) error {
	if !d.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	d.Stage = target
	d.AttemptCount = 0
	d.StageHistory = append(d.StageHistory, target)
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendReceipt records one confirmed ledger call.
func (d *Data) AppendReceipt(r Receipt) {
	d.Receipts = append(d.Receipts, r)
	d.UpdatedAt = time.Now().UTC()
}

// Complete marks the session successfully finished.
func (d *Data) Complete() error {
	if err := d.AdvanceTo(StageCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	d.Status = StatusSuccess
	d.CompletedAt = &now
	return nil
}

// BeginRollback enters the compensation path.
func (d *Data) BeginRollback(reason string) error {
	if err := d.AdvanceTo(StageRollbackPending); err != nil {
		return err
	}
	d.LastError = reason
	return nil
}

// FinishRollback marks compensation complete.
func (d *Data) FinishRollback() error {
	if err := d.AdvanceTo(StageRolledBack); err != nil {
		return err
	}
	now := time.Now().UTC()
	d.Status = StatusRolledBack
	d.CompletedAt = &now
	return nil
}

// MarkFailed records a fatal, non-recoverable failure. The stage is left
// where the failure occurred so operators can see how far the transfer got.
func (d *Data) MarkFailed(reason string) {
	now := time.Now().UTC()
	d.Status = StatusFailed
	d.LastError = reason
	d.CompletedAt = &now
	d.UpdatedAt = now
}

// IsTerminal reports whether the session accepts further transitions.
func (d *Data) IsTerminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusFailed || d.Status == StatusRolledBack
}

// ReceiptFor returns the receipt recorded for a stage, if any.
func (d *Data) ReceiptFor(stage Stage) *Receipt {
	for i := range d.Receipts {
		if d.Receipts[i].Stage == stage {
			return &d.Receipts[i]
		}
	}
	return nil
}

// Entered reports whether the session ever reached a stage.
func (d *Data) Entered(stage Stage) bool {
	for _, s := range d.StageHistory {
		if s == stage {
			return true
		}
	}
	return false
}
