package app

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxora/streamledger/internal/domain"
)

// signalRecord is the content of the notify signal file.
type signalRecord struct {
	Rev   string             `json:"rev"`
	Event domain.StreamEvent `json:"event"`
}

// TouchNotifySignal writes ev with a monotonic revision (timestamp) to the
// signal file so fsnotify watchers in other processes can pick it up.
// Creates parent dir and file if needed.
func TouchNotifySignal(signalPath string, ev domain.StreamEvent) error {
	if signalPath == "" {
		return nil
	}
	dir := filepath.Dir(signalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create signal file dir")
	}
	rec := signalRecord{Rev: strconv.FormatInt(time.Now().UnixNano(), 10), Event: ev}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WithStack(err)
	}
	tmp := signalPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, signalPath))
}

// readNotifySignal returns the last record written, or ok=false when the file
// is missing or unreadable.
func readNotifySignal(signalPath string) (signalRecord, bool) {
	var rec signalRecord
	data, err := os.ReadFile(signalPath)
	if err != nil {
		return rec, false
	}
	if err := json.Unmarshal(data, &rec); err != nil || rec.Rev == "" {
		return rec, false
	}
	return rec, true
}
