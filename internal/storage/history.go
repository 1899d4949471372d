// Package storage persists execution history in a local BBolt database.
//
// Every finished sandbox execution is stored as one record under a
// composite key ordered by start time, so listing newest-first is a
// reverse cursor walk without a secondary index.
package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// HistoryDBFile is the database file name inside the data directory
	HistoryDBFile = "codebroker.db"

	// MetaBucket holds schema bookkeeping for the history database
	MetaBucket = "meta"

	// SchemaVersionKey is the meta bucket key for the schema version
	SchemaVersionKey = "schema_version"

	// CurrentSchemaVersion is bumped when the record layout changes
	CurrentSchemaVersion uint64 = 1
)

// DefaultMaxOutputSize is the maximum stored output size before truncation (64KB)
const DefaultMaxOutputSize = 64 * 1024

// executionKey generates a BBolt key for an execution record.
// Key format: {timestamp_ns}_{id} for natural chronological ordering.
// Using a 20-digit nanosecond timestamp keeps keys fixed-width sortable.
func executionKey(startedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", startedAt.UnixNano(), id))
}

// parseExecutionKey extracts the record ID from an execution key.
// Returns empty string if key format is invalid.
func parseExecutionKey(key []byte) string {
	keyStr := string(key)
	// Key format: {20-digit timestamp}_{id}
	if len(keyStr) < 22 { // 20 digits + underscore + at least 1 char for id
		return ""
	}
	return keyStr[21:]
}

// truncateOutput truncates captured output if it exceeds maxSize.
// Returns the (potentially truncated) string and whether truncation occurred.
func truncateOutput(output string, maxSize int) (string, bool) {
	if maxSize <= 0 {
		maxSize = DefaultMaxOutputSize
	}
	if len(output) <= maxSize {
		return output, false
	}
	return output[:maxSize] + "...[truncated]", true
}

// Manager provides execution history persistence on top of BBolt
type Manager struct {
	db     *bbolt.DB
	path   string
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// NewManager opens (or creates) the history database inside dataDir
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	dbPath := filepath.Join(dataDir, HistoryDBFile)

	// 0600: records can contain script output with sensitive data
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := initBuckets(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &Manager{
		db:     db,
		path:   dbPath,
		logger: logger,
	}, nil
}

// initBuckets creates required buckets and stamps the schema version
func initBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{ExecutionRecordsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// Close closes the history database
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// DB returns the underlying BBolt handle for health probes
func (m *Manager) DB() *bbolt.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.db
}

// Path returns the database file path
func (m *Manager) Path() string {
	return m.path
}

// GetSchemaVersion returns the stored schema version
func (m *Manager) GetSchemaVersion() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var version uint64
	err := m.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if len(versionBytes) == 8 {
			version = binary.LittleEndian.Uint64(versionBytes)
		}
		return nil
	})

	return version, err
}

// SaveExecution stores a finished execution record.
// Missing ID and StartedAt fields are filled in; oversized output is
// truncated before storage.
func (m *Manager) SaveExecution(record *ExecutionRecord) error {
	if record == nil {
		return fmt.Errorf("execution record cannot be nil")
	}

	if record.ID == "" {
		record.ID = ulid.Make().String()
	}

	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	if output, truncated := truncateOutput(record.Output, DefaultMaxOutputSize); truncated {
		record.Output = output
		record.OutputTruncated = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(ExecutionRecordsBucket))
		if err != nil {
			return fmt.Errorf("failed to create execution bucket: %w", err)
		}

		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal execution record: %w", err)
		}

		key := executionKey(record.StartedAt, record.ID)
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to store execution record: %w", err)
		}

		return nil
	})
}

// SaveExecutionAsync saves an execution record without blocking the caller.
// Failures are logged, not returned.
func (m *Manager) SaveExecutionAsync(record *ExecutionRecord) {
	go func() {
		if err := m.SaveExecution(record); err != nil {
			m.logger.Errorw("Failed to save execution record async",
				"id", record.ID,
				"language", record.Language,
				"error", err)
		}
	}()
}

// GetExecution retrieves an execution record by ID.
// Returns nil if the record is not found.
func (m *Manager) GetExecution(id string) (*ExecutionRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("execution ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var record *ExecutionRecord

	err := m.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
		if bucket == nil {
			return nil // No executions yet
		}

		// The ID lives in the key suffix, so scan for it
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if parseExecutionKey(k) == id {
				record = &ExecutionRecord{}
				if err := record.UnmarshalBinary(v); err != nil {
					return fmt.Errorf("failed to unmarshal execution record: %w", err)
				}
				return nil
			}
		}

		return nil // Not found
	})

	if err != nil {
		return nil, err
	}

	return record, nil
}

// ListExecutions returns paginated execution records matching the filter.
// Records are returned in reverse chronological order (newest first).
// Returns the records, total matching count, and any error.
func (m *Manager) ListExecutions(filter ExecutionFilter) ([]*ExecutionRecord, int, error) {
	filter.Validate()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*ExecutionRecord
	var total int

	err := m.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
		if bucket == nil {
			return nil // No executions yet
		}

		cursor := bucket.Cursor()
		skipped := 0

		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			var record ExecutionRecord
			if err := record.UnmarshalBinary(v); err != nil {
				m.logger.Warnw("Failed to unmarshal execution record",
					"key", string(k),
					"error", err)
				continue
			}

			if !filter.Matches(&record) {
				continue
			}

			total++

			if skipped < filter.Offset {
				skipped++
				continue
			}

			if len(records) < filter.Limit {
				records = append(records, &record)
			}
		}

		return nil
	})

	return records, total, err
}

// StreamExecutions returns a channel yielding records matching the filter,
// newest first. The channel is closed when all matching records have been
// sent. Useful for exports without loading the whole history into memory.
func (m *Manager) StreamExecutions(filter ExecutionFilter) <-chan *ExecutionRecord {
	ch := make(chan *ExecutionRecord, 100)

	go func() {
		defer close(ch)

		m.mu.RLock()
		defer m.mu.RUnlock()

		err := m.db.View(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
			if bucket == nil {
				return nil
			}

			cursor := bucket.Cursor()
			for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
				var record ExecutionRecord
				if err := record.UnmarshalBinary(v); err != nil {
					continue
				}

				if !filter.Matches(&record) {
					continue
				}

				ch <- &record
			}

			return nil
		})

		if err != nil {
			m.logger.Errorw("Error streaming execution records", "error", err)
		}
	}()

	return ch
}

// DeleteExecution deletes an execution record by ID.
// Returns nil if the record doesn't exist.
func (m *Manager) DeleteExecution(id string) error {
	if id == "" {
		return fmt.Errorf("execution ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
		if bucket == nil {
			return nil // No executions yet
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if parseExecutionKey(k) == id {
				return bucket.Delete(k)
			}
		}

		return nil // Not found, not an error
	})
}

// CountExecutions returns the total number of execution records.
func (m *Manager) CountExecutions() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int

	err := m.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})

	return count, err
}

// PruneOldExecutions deletes execution records older than maxAge.
// Returns the number of records deleted.
func (m *Manager) PruneOldExecutions(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	cutoffKey := executionKey(cutoff, "")

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int

	err := m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
		if bucket == nil {
			return nil
		}

		var keysToDelete [][]byte
		cursor := bucket.Cursor()

		// Older records have smaller keys; keys are sorted, so stop at cutoff
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if string(k) < string(cutoffKey) {
				keysToDelete = append(keysToDelete, append([]byte{}, k...))
			} else {
				break
			}
		}

		for _, key := range keysToDelete {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete old execution record: %w", err)
			}
			deleted++
		}

		return nil
	})

	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		m.logger.Infow("Pruned old execution records",
			"deleted", deleted,
			"max_age", maxAge.String())
	}

	return deleted, nil
}

// PruneExcessExecutions deletes oldest records when count exceeds maxRecords.
// Deletes records until count is at targetPercent of maxRecords (default 90%).
// Returns the number of records deleted.
func (m *Manager) PruneExcessExecutions(maxRecords int, targetPercent float64) (int, error) {
	if targetPercent <= 0 || targetPercent > 1 {
		targetPercent = 0.9
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int

	err := m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
		if bucket == nil {
			return nil
		}

		count := bucket.Stats().KeyN
		if count <= maxRecords {
			return nil
		}

		targetCount := int(float64(maxRecords) * targetPercent)
		toDelete := count - targetCount

		var keysToDelete [][]byte
		cursor := bucket.Cursor()

		// Oldest records first (smallest keys)
		for k, _ := cursor.First(); k != nil && len(keysToDelete) < toDelete; k, _ = cursor.Next() {
			keysToDelete = append(keysToDelete, append([]byte{}, k...))
		}

		for _, key := range keysToDelete {
			if err := bucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete excess execution record: %w", err)
			}
			deleted++
		}

		return nil
	})

	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		m.logger.Infow("Pruned excess execution records",
			"deleted", deleted,
			"max_records", maxRecords)
	}

	return deleted, nil
}

// GetStats returns basic statistics about the history database
func (m *Manager) GetStats() (map[string]interface{}, error) {
	count, err := m.CountExecutions()
	if err != nil {
		return nil, err
	}

	version, err := m.GetSchemaVersion()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"execution_records": count,
		"schema_version":    version,
		"path":              m.path,
	}, nil
}
