// Package audit implements the tamper-evident audit chain and hourly
// Merkle windows over accepted decision-step logs (spec §4.5). Layout and
// scan/store style follow the teacher's original internal/audit package;
// the semantics are its own: hash-linked chain entries, a rolling Merkle
// tree per hour, inclusion proofs, and audit-pack export/import.
package audit

import "time"

// EntryType distinguishes the three shapes of chain entry.
type EntryType string

const (
	EntryLogCreated      EntryType = "LOG_CREATED"
	EntryLogUpdated      EntryType = "LOG_UPDATED"
	EntryWindowFinalized EntryType = "WINDOW_FINALIZED"
)

// Entry is one append-only, hash-linked audit chain record (spec §3).
type Entry struct {
	Seq          int64             `json:"-"`
	EntryID      string            `json:"entry_id"`
	Type         EntryType         `json:"type"`
	LogID        string            `json:"log_id,omitempty"`
	LogHash      string            `json:"log_hash,omitempty"`
	Updates      string            `json:"updates,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	SelfHash     string            `json:"self_hash"`
}

// Window is an hourly Merkle window over accepted log hashes (spec §3).
// WindowID is the epoch-millis floor to the hour.
type Window struct {
	WindowID   int64     `json:"window_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Root        string    `json:"merkle_root"`
	HashCount   int       `json:"hash_count"`
	Leaves      []string  `json:"-"`
	Finalized   bool      `json:"finalized"`
}

// Proof is an inclusion proof for one leaf within a window (spec §4.5):
// the ordered sibling hashes from leaf to root, and a direction marker
// ('L' or 'R') at each level describing which side the running hash sat
// on.
type Proof struct {
	LeafHash  string   `json:"leaf_hash"`
	WindowID  int64    `json:"window_id"`
	Siblings  []string `json:"siblings"`
	Direction []byte   `json:"direction"`
}

// Pack is the audit-pack export format from spec §6: a self-contained,
// stably-encoded snapshot of chain entries and finalized Merkle roots
// over a time range, with a top-level integrity record.
type Pack struct {
	ID           string        `json:"id"`
	GeneratedAt  time.Time     `json:"generatedAt"`
	TimeRange    PackRange     `json:"timeRange"`
	MerkleRoots  []PackWindow  `json:"merkleRoots"`
	AuditChain   []Entry       `json:"auditChain"`
	Verification Verification  `json:"verification"`
}

// PackRange is the [start, end) range a Pack was exported over.
type PackRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PackWindow is one finalized window as it appears inside a Pack.
type PackWindow struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	MerkleRoot  string    `json:"merkleRoot"`
	HashCount   int       `json:"hashCount"`
	Finalized   bool      `json:"finalized"`
}

// Verification is the pack-level integrity record: a chain-continuity
// check plus a top-level hash over the pack's stable encoding.
type Verification struct {
	TotalEntries     int    `json:"totalEntries"`
	MerkleRootsCount int    `json:"merkleRootsCount"`
	ChainIntegrity   bool   `json:"chainIntegrity"`
	PackHash         string `json:"packHash"`
}
