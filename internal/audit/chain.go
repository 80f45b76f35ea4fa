// Package audit provides tamper-evident audit logging backed by an
// HMAC-SHA256 hash chain persisted as newline-delimited JSON.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Audit entry categories
const (
	CategoryDetection = "detection"
	CategoryResponse  = "response"
	CategoryConfig    = "config_access"
	CategoryLifecycle = "lifecycle"
	CategoryError     = "error"
	CategoryIntegrity = "integrity"
	CategoryEmergency = "emergency"
)

// genesisHash anchors the first entry of a chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one tamper-evident record. The HMAC covers the canonical JSON
// encoding of the entry without the hmac field, concatenated with the
// previous entry's HMAC, so any edit to a past record breaks every record
// after it.
type Entry struct {
	EntryID   string                 `json:"entry_id"`
	Timestamp time.Time              `json:"timestamp"`
	Category  string                 `json:"category"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
	HMAC      string                 `json:"hmac"`
}

// header is the first line of every chain file.
type header struct {
	LogType            string    `json:"log_type"`
	Version            string    `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	IntegrityAlgorithm string    `json:"integrity_algorithm"`
	Format             string    `json:"format"`
	PrevChainTail      string    `json:"prev_chain_tail,omitempty"`
}

// VerificationResult reports the outcome of a full chain verification.
type VerificationResult struct {
	Valid              bool      `json:"valid"`
	TotalEntries       int64     `json:"total_entries"`
	FirstInvalidOffset int64     `json:"first_invalid_offset"`
	FirstInvalidID     string    `json:"first_invalid_id,omitempty"`
	VerifiedAt         time.Time `json:"verified_at"`
	Error              string    `json:"error,omitempty"`
}

// Recorder is the minimal appender components use to write audit entries.
// *Chain implements it; tests substitute lightweight fakes.
type Recorder interface {
	Append(category, actor, action string, details map[string]interface{}) (string, error)
}

// ChainConfig configures a tamper-evident chain.
type ChainConfig struct {
	Path     string      // chain file location
	LogType  string      // recorded in the header, e.g. "primary" or "shadow"
	MaxBytes int64       // rotation threshold; 0 disables rotation
	FileMode os.FileMode // permissions for chain files
}

// DefaultChainConfig returns default chain configuration.
func DefaultChainConfig(path string) *ChainConfig {
	return &ChainConfig{
		Path:     path,
		LogType:  "primary",
		MaxBytes: 64 << 20, // 64 MiB per chain file
		FileMode: 0o600,
	}
}

// Chain is an append-only tamper-evident audit log. A single mutex
// serializes writers; every append is flushed to stable storage before
// Append returns so the chain survives a crash mid-stream.
type Chain struct {
	config   *ChainConfig
	secret   []byte
	mu       sync.Mutex
	file     *os.File
	lastHash string
	size     int64
	entries  int64
	closed   bool
	logger   *logrus.Logger
}

// NewChain opens (or creates) the chain file at config.Path and positions
// the chain at its current tail.
func NewChain(config *ChainConfig, secret []byte, logger *logrus.Logger) (*Chain, error) {
	if config == nil {
		return nil, fmt.Errorf("chain config is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("chain secret is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.FileMode == 0 {
		config.FileMode = 0o600
	}

	c := &Chain{
		config:   config,
		secret:   secret,
		lastHash: genesisHash,
		logger:   logger,
	}

	file, err := os.OpenFile(config.Path, os.O_CREATE|os.O_RDWR, config.FileMode)
	if err != nil {
		return nil, fmt.Errorf("open audit chain %s: %w", config.Path, err)
	}
	c.file = file

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat audit chain: %w", err)
	}

	if info.Size() == 0 {
		if err := c.writeHeader(genesisHash); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := c.recover(); err != nil {
			file.Close()
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"path":    config.Path,
		"entries": c.entries,
	}).Debug("Audit chain opened")

	return c, nil
}

// writeHeader appends the file header and records its size. Caller holds
// the lock (or the chain is not yet shared).
func (c *Chain) writeHeader(prevTail string) error {
	h := header{
		LogType:            c.config.LogType,
		Version:            "1.0",
		CreatedAt:          time.Now().UTC(),
		IntegrityAlgorithm: "hmac-sha256",
		Format:             "jsonl",
	}
	if prevTail != genesisHash {
		h.PrevChainTail = prevTail
	}

	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal chain header: %w", err)
	}
	data = append(data, '\n')

	n, err := c.file.Write(data)
	if err != nil {
		return fmt.Errorf("write chain header: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("sync chain header: %w", err)
	}

	c.size += int64(n)
	c.lastHash = prevTail
	return nil
}

// recover scans an existing file to find the tail hash and entry count.
func (c *Chain) recover() error {
	if _, err := c.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek audit chain: %w", err)
	}

	scanner := bufio.NewScanner(c.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		c.size += int64(len(line)) + 1

		if first {
			first = false
			var h header
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("parse chain header: %w", err)
			}
			if h.PrevChainTail != "" {
				c.lastHash = h.PrevChainTail
			}
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("parse chain entry at byte %d: %w", c.size-int64(len(line))-1, err)
		}
		c.lastHash = entry.HMAC
		c.entries++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit chain: %w", err)
	}

	if _, err := c.file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek chain tail: %w", err)
	}
	return nil
}

// Append writes one entry to the chain and syncs it to disk. The returned
// id identifies the entry in later reads. A write or sync failure is
// returned to the caller; the chain refuses further appends until the
// next successful one re-establishes the tail.
func (c *Chain) Append(category, actor, action string, details map[string]interface{}) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", fmt.Errorf("audit chain is closed")
	}

	entry := &Entry{
		EntryID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Category:  category,
		Actor:     actor,
		Action:    action,
		Details:   details,
		PrevHash:  c.lastHash,
	}

	mac, err := c.computeHMAC(entry)
	if err != nil {
		return "", err
	}
	entry.HMAC = mac

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	n, err := c.file.Write(data)
	if err != nil {
		return "", fmt.Errorf("write audit entry: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return "", fmt.Errorf("sync audit entry: %w", err)
	}

	c.lastHash = entry.HMAC
	c.size += int64(n)
	c.entries++

	if c.config.MaxBytes > 0 && c.size >= c.config.MaxBytes {
		if err := c.rotate(); err != nil {
			// Rotation failure leaves the oversized file in place; appends
			// continue against it.
			c.logger.WithError(err).Error("Audit chain rotation failed")
		}
	}

	return entry.EntryID, nil
}

// computeHMAC derives the entry HMAC from the canonical JSON encoding of
// the entry without its hmac field, concatenated with the previous hash.
func (c *Chain) computeHMAC(entry *Entry) (string, error) {
	canonical := struct {
		EntryID   string                 `json:"entry_id"`
		Timestamp time.Time              `json:"timestamp"`
		Category  string                 `json:"category"`
		Actor     string                 `json:"actor"`
		Action    string                 `json:"action"`
		Details   map[string]interface{} `json:"details,omitempty"`
		PrevHash  string                 `json:"prev_hash"`
	}{
		EntryID:   entry.EntryID,
		Timestamp: entry.Timestamp,
		Category:  entry.Category,
		Actor:     entry.Actor,
		Action:    entry.Action,
		Details:   entry.Details,
		PrevHash:  entry.PrevHash,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal canonical entry: %w", err)
	}

	mac := hmac.New(sha256.New, c.secret)
	mac.Write(data)
	mac.Write([]byte(entry.PrevHash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// rotate seals the current file with a terminal record, renames it aside
// and starts a fresh file whose header carries the old tail so the chains
// stay verifiable across the boundary. Caller holds the lock.
func (c *Chain) rotate() error {
	terminal := &Entry{
		EntryID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Category:  CategoryLifecycle,
		Actor:     "audit",
		Action:    "chain_rotated",
		Details:   map[string]interface{}{"entries": c.entries, "bytes": c.size},
		PrevHash:  c.lastHash,
	}
	mac, err := c.computeHMAC(terminal)
	if err != nil {
		return err
	}
	terminal.HMAC = mac

	data, err := json.Marshal(terminal)
	if err != nil {
		return fmt.Errorf("marshal terminal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.file.Write(data); err != nil {
		return fmt.Errorf("write terminal entry: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("sync terminal entry: %w", err)
	}
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("close sealed chain: %w", err)
	}

	// Nanosecond suffix: rotations can land inside the same second and a
	// sealed chain file must never be overwritten.
	rotated := fmt.Sprintf("%s.%s", c.config.Path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(c.config.Path, rotated); err != nil {
		return fmt.Errorf("rename sealed chain: %w", err)
	}

	file, err := os.OpenFile(c.config.Path, os.O_CREATE|os.O_RDWR, c.config.FileMode)
	if err != nil {
		return fmt.Errorf("open rotated chain: %w", err)
	}

	c.file = file
	c.size = 0
	c.entries = 0
	if err := c.writeHeader(terminal.HMAC); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"sealed": rotated,
		"path":   c.config.Path,
	}).Info("Audit chain rotated")
	return nil
}

// VerifyChain recomputes every HMAC in the file and checks the prev-hash
// linkage. On tampering it reports the byte offset and entry id of the
// first record that fails verification.
func (c *Chain) VerifyChain() (*VerificationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &VerificationResult{
		Valid:              true,
		FirstInvalidOffset: -1,
		VerifiedAt:         time.Now().UTC(),
	}

	file, err := os.Open(c.config.Path)
	if err != nil {
		return nil, fmt.Errorf("open chain for verification: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var offset int64
	prevHash := genesisHash
	first := true

	for scanner.Scan() {
		line := scanner.Bytes()
		lineStart := offset
		offset += int64(len(line)) + 1

		if first {
			first = false
			var h header
			if err := json.Unmarshal(line, &h); err != nil {
				result.Valid = false
				result.FirstInvalidOffset = lineStart
				result.Error = "unparsable header"
				return result, nil
			}
			if h.PrevChainTail != "" {
				prevHash = h.PrevChainTail
			}
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			result.Valid = false
			result.FirstInvalidOffset = lineStart
			result.Error = "unparsable entry"
			return result, nil
		}

		expected, err := c.computeHMAC(&entry)
		if err != nil {
			return nil, err
		}
		if entry.HMAC != expected || entry.PrevHash != prevHash {
			result.Valid = false
			result.FirstInvalidOffset = lineStart
			result.FirstInvalidID = entry.EntryID
			c.logger.WithFields(logrus.Fields{
				"entry_id": entry.EntryID,
				"offset":   lineStart,
			}).Warn("Audit chain tampering detected")
			return result, nil
		}

		prevHash = entry.HMAC
		result.TotalEntries++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan chain for verification: %w", err)
	}

	return result, nil
}

// ReadSince returns up to limit entries with timestamps at or after since.
// A zero since returns from the beginning; limit <= 0 means no limit.
func (c *Chain) ReadSince(since time.Time, limit int) ([]*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.Open(c.config.Path)
	if err != nil {
		return nil, fmt.Errorf("open chain for read: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var entries []*Entry
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("parse chain entry: %w", err)
		}
		if !since.IsZero() && entry.Timestamp.Before(since) {
			continue
		}
		entries = append(entries, &entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan chain for read: %w", err)
	}
	return entries, nil
}

// Tail returns the HMAC of the most recent entry.
func (c *Chain) Tail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// Entries returns the number of entries appended to the current file.
func (c *Chain) Entries() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}

// Path returns the chain file location.
func (c *Chain) Path() string {
	return c.config.Path
}

// Close flushes and closes the chain file. Further appends fail.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.file.Sync(); err != nil {
		c.file.Close()
		return fmt.Errorf("sync chain on close: %w", err)
	}
	return c.file.Close()
}
