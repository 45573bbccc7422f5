// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
)

// wal is an append-only JSONL file of entries the store rejected.
type wal struct {
	path string
	mu   sync.Mutex
}

func newWAL(path string) *wal {
	return &wal{path: path}
}

func (w *wal) append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return oops.Wrap(err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
	if err != nil {
		return oops.With("path", w.path).Wrap(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return oops.With("path", w.path).Wrap(err)
	}
	if err := f.Close(); err != nil {
		return oops.With("path", w.path).Wrap(err)
	}
	return nil
}

// replay hands every parseable entry to write. Entries that fail to write
// are kept; unparseable lines are discarded. The file is rewritten with the
// survivors, or removed when none remain.
func (w *wal) replay(ctx context.Context, write func(context.Context, Entry) error) (replayed, remaining int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, oops.With("path", w.path).Wrap(err)
	}
	if len(data) == 0 {
		return 0, 0, nil
	}

	var keep bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			slog.Error("discarding unreadable audit WAL line", "error", err)
			continue
		}

		if ctx.Err() != nil {
			keep.Write(line)
			keep.WriteByte('\n')
			remaining++
			continue
		}
		if err := write(ctx, entry); err != nil {
			keep.Write(line)
			keep.WriteByte('\n')
			remaining++
			continue
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, oops.With("path", w.path).Wrap(err)
	}

	if remaining == 0 {
		if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return replayed, 0, oops.With("path", w.path).Wrap(err)
		}
		return replayed, 0, nil
	}

	tmp := filepath.Join(filepath.Dir(w.path), "."+filepath.Base(w.path)+".tmp")
	if err := os.WriteFile(tmp, keep.Bytes(), 0o600); err != nil {
		return replayed, remaining, oops.With("path", tmp).Wrap(err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return replayed, remaining, oops.With("path", w.path).Wrap(err)
	}
	return replayed, remaining, nil
}
