package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the audit ledger: it owns the hash-linked chain and the
// rolling hourly Merkle windows, serialized behind a single mutex (spec
// §4.5, §5) so ordering and root computation never tear under concurrent
// callers. Reads that only need a snapshot (proof generation, export) take
// their own consistent view without holding the mutex across I/O.
type Service struct {
	store      *Store
	mu         sync.Mutex
	windowSize time.Duration
}

// NewService creates a Service backed by store, folding log hashes into
// windows of the given size (spec default: one hour).
func NewService(store *Store, windowSize time.Duration) *Service {
	if windowSize <= 0 {
		windowSize = time.Hour
	}
	return &Service{store: store, windowSize: windowSize}
}

func windowIDFor(t time.Time, windowSize time.Duration) int64 {
	return t.UTC().Truncate(windowSize).UnixMilli()
}

// RecordLogCreated appends a LOG_CREATED chain entry for a newly accepted
// log and folds its content hash into the current window (spec §4.5).
func (s *Service) RecordLogCreated(ctx context.Context, logID, logHash string, ts time.Time, metadata map[string]string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.appendLocked(ctx, Entry{
		Type:      EntryLogCreated,
		LogID:     logID,
		LogHash:   logHash,
		Timestamp: ts,
		Metadata:  metadata,
	})
	if err != nil {
		return Entry{}, err
	}

	if err := s.foldLocked(ctx, logHash, ts); err != nil {
		return Entry{}, fmt.Errorf("folding into window: %w", err)
	}
	return entry, nil
}

// RecordLogUpdated appends a LOG_UPDATED chain entry describing a review
// mutation. Updates do not carry a log_hash and are not folded into a
// Merkle window — only creations are (spec §3's Entry field comment: "for
// creations").
func (s *Service) RecordLogUpdated(ctx context.Context, logID, updates string, ts time.Time, metadata map[string]string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLocked(ctx, Entry{
		Type:      EntryLogUpdated,
		LogID:     logID,
		Updates:   updates,
		Timestamp: ts,
		Metadata:  metadata,
	})
}

func (s *Service) appendLocked(ctx context.Context, e Entry) (Entry, error) {
	tail, err := s.store.Tail(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("reading chain tail: %w", err)
	}
	if tail != nil {
		e.PreviousHash = tail.SelfHash
	}
	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	selfHash, err := computeSelfHash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("computing entry hash: %w", err)
	}
	e.SelfHash = selfHash

	if _, err := s.store.AppendEntry(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Service) foldLocked(ctx context.Context, logHash string, ts time.Time) error {
	wid := windowIDFor(ts, s.windowSize)

	w, err := s.store.GetWindow(ctx, wid)
	if err != nil {
		return err
	}
	if w == nil {
		start := ts.UTC().Truncate(s.windowSize)
		w = &Window{
			WindowID:    wid,
			WindowStart: start,
			WindowEnd:   start.Add(s.windowSize),
		}
	}
	if w.Finalized {
		return fmt.Errorf("window %d is already finalized", wid)
	}

	w.Leaves = append(w.Leaves, logHash)
	w.HashCount = len(w.Leaves)
	w.Root = merkleRoot(w.Leaves)

	return s.store.UpsertWindow(ctx, *w)
}

// Rollover finalizes every unfinalized window whose end has passed as of
// now, appending a WINDOW_FINALIZED chain entry for each (spec §4.5). It
// is safe to call repeatedly — an already-finalized window is a no-op.
func (s *Service) Rollover(ctx context.Context, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	windows, err := s.store.UnfinalizedWindows(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing unfinalized windows: %w", err)
	}

	var finalized []Entry
	for _, w := range windows {
		if now.Before(w.WindowEnd) {
			continue
		}
		w.Finalized = true
		if err := s.store.UpsertWindow(ctx, w); err != nil {
			return nil, fmt.Errorf("finalizing window %d: %w", w.WindowID, err)
		}

		entry, err := s.appendLocked(ctx, Entry{
			Type:      EntryWindowFinalized,
			LogHash:   w.Root,
			Timestamp: w.WindowEnd,
			Metadata: map[string]string{
				"window_id":  fmt.Sprintf("%d", w.WindowID),
				"hash_count": fmt.Sprintf("%d", w.HashCount),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("appending finalization entry: %w", err)
		}
		finalized = append(finalized, entry)
	}
	return finalized, nil
}

// GenerateProof builds an inclusion proof for logHash within window
// windowID (spec §4.5).
func (s *Service) GenerateProof(ctx context.Context, windowID int64, logHash string) (*Proof, error) {
	w, err := s.store.GetWindow(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("loading window: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("window %d not found", windowID)
	}

	index := -1
	for i, leaf := range w.Leaves {
		if leaf == logHash {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, fmt.Errorf("hash %s not present in window %d", logHash, windowID)
	}

	siblings, directions := generateProof(w.Leaves, index)
	return &Proof{
		LeafHash:  logHash,
		WindowID:  windowID,
		Siblings:  siblings,
		Direction: directions,
	}, nil
}

// VerifyProof checks proof against the given root, without touching
// storage (spec §8's tamper-detection property).
func (s *Service) VerifyProof(proof *Proof, root string) bool {
	return verifyProof(proof.LeafHash, proof.Siblings, proof.Direction, root)
}

// VerifyChainContinuity walks entries in append order and checks the
// chain invariant (spec §3, §8): each previous_hash matches the prior
// self_hash, and each self_hash recomputes correctly.
func VerifyChainContinuity(entries []Entry) bool {
	var prevHash string
	for i, e := range entries {
		if i > 0 && e.PreviousHash != prevHash {
			return false
		}
		recomputed, err := computeSelfHash(Entry{
			EntryID: e.EntryID, Type: e.Type, LogID: e.LogID, LogHash: e.LogHash,
			Updates: e.Updates, Timestamp: e.Timestamp, Metadata: e.Metadata, PreviousHash: e.PreviousHash,
		})
		if err != nil || recomputed != e.SelfHash {
			return false
		}
		prevHash = e.SelfHash
	}
	return true
}

// ExportPack builds a self-contained audit pack over [from, to) per spec
// §6's file format, with a reproducible top-level hash.
func (s *Service) ExportPack(ctx context.Context, from, to time.Time) (*Pack, error) {
	entries, err := s.store.EntriesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}
	windows, err := s.store.WindowsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading windows: %w", err)
	}

	packWindows := make([]PackWindow, 0, len(windows))
	for _, w := range windows {
		packWindows = append(packWindows, PackWindow{
			WindowStart: w.WindowStart,
			WindowEnd:   w.WindowEnd,
			MerkleRoot:  w.Root,
			HashCount:   w.HashCount,
			Finalized:   w.Finalized,
		})
	}

	pack := &Pack{
		ID:          uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		TimeRange:   PackRange{Start: from.UTC(), End: to.UTC()},
		MerkleRoots: packWindows,
		AuditChain:  entries,
		Verification: Verification{
			TotalEntries:     len(entries),
			MerkleRootsCount: len(packWindows),
			ChainIntegrity:   VerifyChainContinuity(entries),
		},
	}

	packHash, err := computePackHash(*pack)
	if err != nil {
		return nil, fmt.Errorf("computing pack hash: %w", err)
	}
	pack.Verification.PackHash = packHash
	return pack, nil
}

// ImportPack re-verifies both the chain continuity and the top-level pack
// hash of a previously exported pack (spec §4.5, §8's round-trip
// property).
func ImportPack(pack Pack) (bool, error) {
	claimed := pack.Verification.PackHash
	pack.Verification.PackHash = ""

	recomputed, err := computePackHash(pack)
	if err != nil {
		return false, fmt.Errorf("recomputing pack hash: %w", err)
	}
	if recomputed != claimed {
		return false, nil
	}
	return VerifyChainContinuity(pack.AuditChain), nil
}

type chainHashInput struct {
	EntryID      string            `json:"entry_id"`
	Type         string            `json:"type"`
	LogID        string            `json:"log_id"`
	LogHash      string            `json:"log_hash"`
	Updates      string            `json:"updates"`
	Timestamp    string            `json:"timestamp"`
	Metadata     map[string]string `json:"metadata"`
	PreviousHash string            `json:"previous_hash"`
}

func computeSelfHash(e Entry) (string, error) {
	input := chainHashInput{
		EntryID:      e.EntryID,
		Type:         string(e.Type),
		LogID:        e.LogID,
		LogHash:      e.LogHash,
		Updates:      e.Updates,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Metadata:     e.Metadata,
		PreviousHash: e.PreviousHash,
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func computePackHash(pack Pack) (string, error) {
	pack.Verification.PackHash = ""
	b, err := json.Marshal(pack)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
