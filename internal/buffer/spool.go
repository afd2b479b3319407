package buffer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/johnwickoo/market-move-intelligence-sub000/pkg/types"
)

// Spool is the append-only on-disk journal for trades that could not be
// persisted. One JSON object per line, UTF-8. The replayer consumes the
// journal by renaming it aside under the lock, retries each line, and
// appends whatever still failed back through the normal locked path.
// Appends racing a replay land in the fresh journal and are never
// clobbered; a consumed file left behind by a crash is picked up first on
// the next replay.
type Spool struct {
	path      string
	mu        sync.Mutex
	replaying bool
	logger    *slog.Logger
}

// NewSpool creates the journal's parent directory if needed.
func NewSpool(path string, logger *slog.Logger) (*Spool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{path: path, logger: logger.With("component", "spool")}, nil
}

// Append writes trades to the journal, one line each.
func (s *Spool) Append(trades []types.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	lines := make([][]byte, 0, len(trades))
	for _, tr := range trades {
		line, err := json.Marshal(tr)
		if err != nil {
			// A trade that cannot marshal cannot ever be replayed; drop it.
			s.logger.Error("spool marshal failed, dropping trade", "id", tr.ID, "error", err)
			continue
		}
		lines = append(lines, line)
	}
	if err := s.appendLines(lines); err != nil {
		return err
	}
	s.logger.Warn("trades spooled to disk", "count", len(lines))
	return nil
}

// appendLines writes raw journal lines under the lock.
func (s *Spool) appendLines(lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush spool: %w", err)
	}
	return nil
}

// Len returns the number of journaled lines, including any consumed file
// a replay is still working through.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countLines(s.path) + countLines(s.consumedPath())
}

func (s *Spool) consumedPath() string { return s.path + ".replay" }

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n
}

// Replay consumes the journal and attempts each trade via attempt. A line
// whose attempt reports success or duplicate is gone; lines that still
// fail are re-appended to the live journal. The journal is renamed aside
// under the lock before any attempt runs, so a concurrent Append cannot be
// lost to the replayer. Only one replay runs at a time; overlapping calls
// return immediately.
func (s *Spool) Replay(attempt func(types.Trade) error) (replayed, remaining int, err error) {
	s.mu.Lock()
	if s.replaying {
		s.mu.Unlock()
		return 0, 0, nil
	}
	consumed := s.consumedPath()
	if _, statErr := os.Stat(consumed); os.IsNotExist(statErr) {
		if renameErr := os.Rename(s.path, consumed); renameErr != nil {
			s.mu.Unlock()
			if os.IsNotExist(renameErr) {
				return 0, 0, nil
			}
			return 0, 0, fmt.Errorf("consume spool: %w", renameErr)
		}
	}
	s.replaying = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.replaying = false
		s.mu.Unlock()
	}()

	data, err := os.ReadFile(consumed)
	if err != nil {
		return 0, 0, fmt.Errorf("read spool: %w", err)
	}

	var failed [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var tr types.Trade
		if err := json.Unmarshal(line, &tr); err != nil {
			// Corrupt line; log and discard rather than looping forever.
			s.logger.Error("spool line unparseable, dropping", "error", err)
			continue
		}

		if err := attempt(tr); err != nil {
			cp := make([]byte, len(line))
			copy(cp, line)
			failed = append(failed, cp)
			continue
		}
		replayed++
	}

	// Failed lines go back first; the consumed file stays put if that
	// write fails, so the next replay retries everything in it. Replays
	// are idempotent downstream (dedup cache, duplicate-key store errors),
	// so a crash between these two steps at worst repeats a line.
	if err := s.appendLines(failed); err != nil {
		return replayed, len(failed), err
	}
	if err := os.Remove(consumed); err != nil {
		return replayed, len(failed), fmt.Errorf("drop consumed spool: %w", err)
	}
	if replayed > 0 {
		s.logger.Info("spool replayed", "replayed", replayed, "remaining", len(failed))
	}
	return replayed, len(failed), nil
}
