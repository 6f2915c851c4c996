// Package history implements the Broker's bounded, append-only pairing
// attempt log (C7). Recording must never fail the surrounding protocol
// operation: every method here logs and swallows store errors.
package history

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/store"
)

const (
	capacity = 1000
	listKey  = "history"
)

// Entry is one HistoryEntry tuple.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	AppID         string    `json:"appId"`
	RunnerID      string    `json:"runnerId,omitempty"`
	CodeAttempted string    `json:"codeAttempted,omitempty"`
	Success       bool      `json:"success"`
	ErrorKind     string    `json:"errorKind,omitempty"`
}

// Recorder is the Broker-side history recorder.
type Recorder struct {
	store  *store.Store
	logger *zap.Logger
}

func New(s *store.Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: s, logger: logger.Named("history")}
}

// Record appends an entry, trimming the list to the configured capacity.
// Errors are logged and otherwise ignored: a broken history log must
// never abort a pairing decision, which is why this method has no error
// return.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	e.Timestamp = time.Now()

	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("failed to marshal history entry", zap.Error(err))
		return
	}

	if err := r.store.LPushTrim(ctx, listKey, string(payload), capacity); err != nil {
		r.logger.Warn("failed to append history entry", zap.Error(err))
	}
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int64) ([]Entry, error) {
	if limit <= 0 || limit > capacity {
		limit = capacity
	}

	raw, err := r.store.LRange(ctx, listKey, 0, limit-1)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			r.logger.Warn("skipping unparseable history entry", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
