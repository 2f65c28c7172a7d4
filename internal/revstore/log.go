package revstore

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/edirooss/litedb/internal/document"
)

// walRecord is one line of the append-only sequence log: the durable record
// of every revision insert, replayed on startup to rebuild the in-memory
// revision tree and change log. ChangesSince, and through it the view
// indexer, reads that in-memory change log rather than this file.
type walRecord struct {
	Seq         int64                 `json:"seq"`
	DocID       string                `json:"docid"`
	RevID       string                `json:"revid"`
	ParentID    string                `json:"parent,omitempty"`
	Generation  int                   `json:"gen"`
	Deleted     bool                  `json:"deleted,omitempty"`
	Placeholder bool                  `json:"placeholder,omitempty"`
	Body        document.Body         `json:"body,omitempty"`
	Attachments map[string]Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time             `json:"ts"`
	External    bool                  `json:"external,omitempty"`
}

// walLog is the append-only on-disk log backing one database directory.
// Writes are serialized by the store's single writer lock, so the log file
// itself needs no internal locking.
type walLog struct {
	f *os.File
}

// openWAL replays path's prior contents into records, then opens it
// (creating if absent) for append.
func openWAL(path string) (*walLog, []walRecord, error) {
	// Open for read first to replay, then reopen/seek for append.
	records, err := replayWAL(path)
	if err != nil {
		return nil, nil, fmt.Errorf("replay wal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open wal for append: %w", err)
	}
	return &walLog{f: f}, records, nil
}

func replayWAL(path string) ([]walRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []walRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A trailing partial line indicates a crash mid-append; stop
			// replay here rather than failing startup outright.
			break
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// append writes one record and fsyncs before returning, so a commit is
// durable by the time putRevision/forceInsert report success.
func (w *walLog) append(rec walRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("write wal record: %w", err)
	}
	return w.f.Sync()
}

// size reports the current length of the log file, used to snapshot a
// rollback point before a transaction begins writing.
func (w *walLog) size() (int64, error) {
	info, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// truncate discards everything appended after size, undoing a rolled-back
// transaction's writes. The file offset (append mode always writes at EOF)
// naturally follows the new, shorter length.
func (w *walLog) truncate(size int64) error {
	return w.f.Truncate(size)
}

func (w *walLog) Close() error {
	return w.f.Close()
}
