// Package deadletter is C6: append-only persistence of parse failures.
// Per the Design Notes ("synchronous file I/O in hot paths → offload to
// a dedicated writer task with a bounded channel; drop-oldest on
// overflow for DLQ"), writes happen on a dedicated goroutine fed by a
// bounded channel so a slow disk never stalls the bus subscriber
// delivering parse-error events.
package deadletter

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

const queueSize = 1024

// Queue subscribes to parse-error and appends one JSON object per line
// to its backing file. Write failures are logged and swallowed — DLQ
// durability is subordinate to pipeline liveness (spec.md §4.6).
type Queue struct {
	path string
	lg   *wlog.Logger
	ch   chan model.ParseError
	done chan struct{}
}

// Open ensures the parent directory exists and starts the writer
// goroutine. It subscribes itself to b's parse-error topic.
func Open(path string, b *bus.Bus, lg *wlog.Logger) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	q := &Queue{
		path: path,
		lg:   lg,
		ch:   make(chan model.ParseError, queueSize),
		done: make(chan struct{}),
	}
	go q.run()
	b.Subscribe(bus.TopicParseError, func(ev interface{}) {
		pe := ev.(model.ParseError)
		q.Enqueue(pe)
	})
	return q, nil
}

// Enqueue hands a ParseError to the writer goroutine without ever
// blocking the caller (spec.md §4.6 "DLQ durability is subordinate to
// pipeline liveness"): when the queue is full, the oldest queued entry
// is discarded to make room for the new one.
func (q *Queue) Enqueue(pe model.ParseError) {
	for {
		select {
		case q.ch <- pe:
			return
		default:
		}
		select {
		case <-q.ch:
			q.lg.Warnf("dead-letter queue full, dropping oldest entry")
		default:
		}
	}
}

func (q *Queue) run() {
	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		q.lg.Errorf("failed to open dead-letter file %s: %v", q.path, err)
		// drain forever so Enqueue never blocks even without a file
		for {
			select {
			case <-q.ch:
			case <-q.done:
				return
			}
		}
	}
	defer f.Close()

	for {
		select {
		case pe := <-q.ch:
			b, err := json.Marshal(pe)
			if err != nil {
				q.lg.Errorf("failed to marshal dead-letter entry: %v", err)
				continue
			}
			b = append(b, '\n')
			if _, err := f.Write(b); err != nil {
				q.lg.Errorf("failed to write dead-letter entry: %v", err)
			}
		case <-q.done:
			return
		}
	}
}

// Close stops the writer goroutine.
func (q *Queue) Close() {
	close(q.done)
}
