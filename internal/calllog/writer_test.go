package calllog_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/yobell-ai/voicebridge/internal/calllog"
)

func TestWriter_AppendsTaggedRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := calllog.New(dir, "MZ123", "CA456")

	if err := w.Write(calllog.EventStart, map[string]any{"tenantId": "t-001"}); err != nil {
		t.Fatalf("Write start: %v", err)
	}
	if err := w.Write(calllog.EventUserUtterance, map[string]any{"text": "こんにちは"}); err != nil {
		t.Fatalf("Write utterance: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var records []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line not JSON: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for i, rec := range records {
		if rec["streamId"] != "MZ123" || rec["callId"] != "CA456" {
			t.Errorf("record %d missing identifiers: %v", i, rec)
		}
		if _, ok := rec["timestamp"].(string); !ok {
			t.Errorf("record %d missing timestamp", i)
		}
	}
	if records[0]["event"] != calllog.EventStart || records[0]["tenantId"] != "t-001" {
		t.Errorf("first record = %v", records[0])
	}
	if records[1]["event"] != calllog.EventUserUtterance || records[1]["text"] != "こんにちは" {
		t.Errorf("second record = %v", records[1])
	}
}

func TestWriter_LazyOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := calllog.New(dir, "MZ1", "CA1")
	if _, err := os.Stat(w.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file should not exist before first write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close without writes: %v", err)
	}
	if _, err := os.Stat(w.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Error("close should not create the file")
	}
}

func TestWriter_CloseFlushesBufferedRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := calllog.New(dir, "MZ1", "CA1")

	if err := w.Write(calllog.EventStart, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// One small record sits in the buffer until Close.
	info, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("stat before close: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("file size before Close = %d, want 0 (buffered)", info.Size())
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err = os.Stat(w.Path())
	if err != nil {
		t.Fatalf("stat after close: %v", err)
	}
	if info.Size() == 0 {
		t.Error("record not flushed on Close")
	}
}

func TestWriter_CloseIdempotentAndRejectsWrites(t *testing.T) {
	t.Parallel()

	w := calllog.New(t.TempDir(), "MZ1", "CA1")
	if err := w.Write(calllog.EventStop, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := w.Write(calllog.EventStop, nil); !errors.Is(err, calllog.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}
