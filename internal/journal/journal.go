// Package journal is a durable write-ahead log of point batches. A batch is
// appended before it is handed to the sinks and committed once they accept
// it, so a crash between the two is replayed on the next start.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/gauge/internal/model"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

// entry is one journal line: a whole cycle's batch.
type entry struct {
	Seq     uint64        `json:"seq"`
	Written time.Time     `json:"written"`
	Points  []model.Point `json:"points"`
}

// Journal stores one JSON entry per line and tracks commit progress in a
// "<path>.commit" sidecar file.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
}

// Open creates or opens a journal at path. Committed entries are compacted
// away and a torn trailing line is dropped.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, err := compact(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, fileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    max(maxSeq, committed) + 1,
		committed:  committed,
	}, nil
}

// Append persists one batch and returns its sequence number. Empty batches
// are recorded too so sequence numbers track cycles.
func (j *Journal) Append(points []model.Point) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	e := entry{Seq: j.nextSeq, Written: time.Now().UTC(), Points: make([]model.Point, len(points))}
	for i, p := range points {
		e.Points[i] = p.Clone()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal batch: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write batch: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync batch: %w", err)
	}
	j.nextSeq++
	return e.Seq, nil
}

// Commit marks every batch up to and including seq as delivered.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for each uncommitted batch in sequence order.
func (j *Journal) Replay(fn func(seq uint64, points []model.Point) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path, committed := j.path, j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	return scan(f, func(e entry, _ []byte) error {
		if e.Seq <= committed {
			return nil
		}
		return fn(e.Seq, e.Points)
	})
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scan decodes complete lines from r until EOF, a torn line, or the first
// undecodable line.
func scan(r io.Reader, fn func(e entry, line []byte) error) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: read: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}

		var e entry
		if json.Unmarshal(line, &e) != nil {
			return nil
		}
		if ferr := fn(e, line); ferr != nil {
			return ferr
		}
		if err != nil {
			return nil
		}
	}
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeCommitted replaces the sidecar atomically via a synced temp file.
func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("journal: open commit tmp: %w", err)
	}
	_, err = f.WriteString(strconv.FormatUint(seq, 10) + "\n")
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: write commit file: %w", err)
	}
	return nil
}

// compact rewrites path keeping only uncommitted entries and returns the
// highest sequence number seen.
func compact(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open compact tmp: %w", err)
	}

	var maxSeq uint64
	err = scan(src, func(e entry, line []byte) error {
		maxSeq = max(maxSeq, e.Seq)
		if e.Seq <= committed {
			return nil
		}
		_, werr := dst.Write(line)
		return werr
	})
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	return maxSeq, nil
}
