package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"time"

	"golang.org/x/crypto/sha3"
)

// hashable is the canonical digest input. Hash and Signature are excluded,
// PrevHash is included so the chain covers ordering.
type hashable struct {
	EntryID            string    `json:"entry_id"`
	SessionID          string    `json:"session_id"`
	Outcome            Outcome   `json:"outcome"`
	Stage              string    `json:"stage"`
	SourceNetwork      string    `json:"source_network"`
	DestinationNetwork string    `json:"destination_network"`
	TokenType          string    `json:"token_type"`
	Amount             uint64    `json:"amount"`
	AttemptCount       int       `json:"attempt_count"`
	LastError          string    `json:"last_error"`
	PrevHash           []byte    `json:"prev_hash"`
	CreatedAt          time.Time `json:"created_at"`
}

// ComputeHash returns the keccak-256 digest of the entry's canonical form.
func ComputeHash(entry *Entry) ([]byte, error) {
	payload, err := json.Marshal(hashable{
		EntryID:            entry.EntryID.String(),
		SessionID:          entry.SessionID,
		Outcome:            entry.Outcome,
		Stage:              entry.Stage,
		SourceNetwork:      entry.SourceNetwork,
		DestinationNetwork: entry.DestinationNetwork,
		TokenType:          entry.TokenType,
		Amount:             entry.Amount,
		AttemptCount:       entry.AttemptCount,
		LastError:          entry.LastError,
		PrevHash:           entry.PrevHash,
		CreatedAt:          entry.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, err
	}
	digest := sha3.Sum256(payload)
	return digest[:], nil
}

// Seal computes the entry's hash against the given chain head and signs it.
func Seal(entry *Entry, prev *Entry, key []byte) error {
	if prev != nil {
		entry.PrevHash = prev.Hash
	}
	hash, err := ComputeHash(entry)
	if err != nil {
		return err
	}
	entry.Hash = hash
	entry.Signature = sign(hash, key)
	return nil
}

// VerifyEntry recomputes the entry's hash and checks its signature.
func VerifyEntry(entry *Entry, key []byte) (bool, error) {
	hash, err := ComputeHash(entry)
	if err != nil {
		return false, err
	}
	if !hmac.Equal(hash, entry.Hash) {
		return false, nil
	}
	return hmac.Equal(sign(hash, key), entry.Signature), nil
}

// VerifyChain checks hashes, signatures and prev-hash links over entries in
// chain order.
func VerifyChain(entries []*Entry, key []byte) (bool, error) {
	var prevHash []byte
	for _, entry := range entries {
		if !hmac.Equal(entry.PrevHash, prevHash) {
			return false, nil
		}
		ok, err := VerifyEntry(entry, key)
		if err != nil || !ok {
			return ok, err
		}
		prevHash = entry.Hash
	}
	return true, nil
}

func sign(hash, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(hash)
	return mac.Sum(nil)
}
