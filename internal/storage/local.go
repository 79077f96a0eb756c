package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
)

// Local leaves recordings where the tap wrote them.
type Local struct{}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Store(_ context.Context, sessionID, localPath string) (string, error) {
	start := time.Now()
	loc, err := l.store(localPath)
	observe(l.Name(), "store", start, err)
	if err != nil {
		return "", fmt.Errorf("session %s: %w", sessionID, err)
	}
	return loc, nil
}

func (l *Local) store(localPath string) (string, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat recording: %v: %w", err, model.ErrStorageFailure)
	}
	if fi.IsDir() || fi.Size() == 0 {
		return "", fmt.Errorf("recording %s is empty: %w", localPath, model.ErrStorageFailure)
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("resolve recording path: %v: %w", err, model.ErrStorageFailure)
	}
	return abs, nil
}

func (l *Local) Remove(_ context.Context, location string) error {
	start := time.Now()
	err := os.Remove(location)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	observe(l.Name(), "remove", start, err)
	return err
}

func observe(backend, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"backend": backend, "op": op, "status": status}
	metrics.Default().IncCounter("meetrec_storage_operations_total", labels)
	metrics.Default().ObserveHistogram("meetrec_storage_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}
