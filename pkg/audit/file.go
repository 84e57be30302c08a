package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

/*
FileLog appends one JSON object per line and fsyncs before Append returns, so
an acknowledged event survives a crash. The file is replayed on open, which
restores listings and the sequence counter.
*/
type FileLog struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	events   []Event
	seq      uint64
	readOnly bool
}

func OpenFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}

	l := &FileLog{path: path, file: file}

	if err = l.replay(); err != nil {
		file.Close()
		return nil, err
	}

	return l, nil
}

/*
ReadFileLog opens an existing log for listing only. The file is neither
created nor repaired, and Append fails.
*/
func ReadFileLog(path string) (*FileLog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}

	l := &FileLog{path: path, file: file, readOnly: true}

	if err = l.replay(); err != nil {
		file.Close()
		return nil, err
	}

	return l, nil
}

func (l *FileLog) Path() string {
	return l.path
}

func (l *FileLog) Append(_ context.Context, event Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOnly {
		return Event{}, fmt.Errorf("audit log %s is open read-only", l.path)
	}

	event = stamp(event, l.seq+1)

	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("encode audit event: %w", err)
	}

	if _, err = l.file.Write(append(line, '\n')); err != nil {
		return Event{}, fmt.Errorf("write audit event: %w", err)
	}

	if err = l.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("sync audit log: %w", err)
	}

	l.seq = event.Seq
	l.events = append(l.events, event)

	return event, nil
}

func (l *FileLog) List(_ context.Context, options ListOptions) (Page, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	asOf := l.seq
	if options.AsOf > 0 && options.AsOf < asOf {
		asOf = options.AsOf
	}

	return paginate(l.events, options, asOf), nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil

	return err
}

/*
replay loads the existing file. Lines that fail to decode, such as a record
torn by a crash, are skipped with a warning.
*/
func (l *FileLog) replay() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind audit log: %w", err)
	}

	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		lineNo   int
		lastByte byte
	)

	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()

		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Warn("skipping unreadable audit record", "path", l.path, "line", lineNo, "error", err)
			continue
		}

		l.events = append(l.events, event)
		l.seq = max(l.seq, event.Seq)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log %s: %w", l.path, err)
	}

	if l.readOnly {
		return nil
	}

	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("stat audit log: %w", err)
	}

	if info.Size() > 0 {
		buf := make([]byte, 1)
		if _, err = l.file.ReadAt(buf, info.Size()-1); err != nil {
			return fmt.Errorf("read audit log tail: %w", err)
		}
		lastByte = buf[0]
	}

	// Terminate a torn last record so the next append starts on its own line.
	if info.Size() > 0 && lastByte != '\n' {
		if _, err = l.file.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("repair audit log tail: %w", err)
		}
	}

	return nil
}
