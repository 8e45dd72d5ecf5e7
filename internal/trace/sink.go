// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package trace

import (
	"sync"

	"grimm.is/meshredirect/internal/logging"
)

// LogSink writes records through the component logger. Interceptions are
// logged at debug, failures at warn.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSink{logger: logger.WithComponent("trace")}
}

func (s *LogSink) Handle(r Record) {
	switch r.Kind {
	case KindIntercepted:
		s.logger.Debug("connection intercepted",
			"key", r.Key.String(),
			"origin", r.Origin.String(),
			"proxy", r.Proxy.String(),
			"cookie", r.Cookie)
	case KindRedirectFailed:
		s.logger.Warn("message redirect failed, passing through",
			"flow", r.Flow.String(),
			"error", r.Err)
	case KindEvicted:
		s.logger.Debug("origin evicted", "key", r.Key.String(), "origin", r.Origin.String())
	case KindKernelEvent:
		s.logger.Debug("kernel event",
			"key", r.Key.String(),
			"origin", r.Origin.String(),
			"cookie", r.Cookie,
			"error", r.Err)
	}
}

// Recorder keeps the most recent records in memory. Used by the admin API's
// recent events view and in tests.
type Recorder struct {
	mu      sync.Mutex
	limit   int
	records []Record
}

// NewRecorder keeps at most limit records, dropping the oldest.
func NewRecorder(limit int) *Recorder {
	if limit < 1 {
		limit = 1
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Handle(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == r.limit {
		copy(r.records, r.records[1:])
		r.records = r.records[:len(r.records)-1]
	}
	r.records = append(r.records, rec)
}

// Records returns a copy of the retained records, oldest first.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
