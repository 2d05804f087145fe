// Package audit delivers the core's credential events as structured JSON
// lines. Delivery is asynchronous and best-effort: a full queue drops the
// event rather than stalling an issue, consume or revoke.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"staykey.io/internal/access"
	"staykey.io/internal/obs"
)

const defaultQueueSize = 256

// Sink implements access.Sink on top of the shared JSON logger.
type Sink struct {
	queue chan access.Event

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

var _ access.Sink = (*Sink)(nil)

// NewSink starts the delivery goroutine.
func NewSink() *Sink {
	s := &Sink{
		queue:   make(chan access.Event, defaultQueueSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit enqueues the event without ever blocking the caller.
func (s *Sink) Emit(event access.Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case s.queue <- event:
	case <-s.done:
	default:
		// Queue full: audit is best-effort, primary operations come first.
	}
}

// Close stops accepting events and drains what is already queued.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.drained
	})
}

func (s *Sink) run() {
	defer close(s.drained)
	for {
		select {
		case event := <-s.queue:
			write(event)
		case <-s.done:
			for {
				select {
				case event := <-s.queue:
					write(event)
				default:
					return
				}
			}
		}
	}
}

func write(event access.Event) {
	entry := map[string]any{
		"ts":         event.At.Format(time.RFC3339Nano),
		"type":       "audit",
		"event":      event.Action,
		"tenant_id":  event.TenantID,
		"subject_id": event.SubjectID,
	}
	if event.PrincipalID != "" {
		entry["principal_id"] = event.PrincipalID
	}
	if len(event.Meta) > 0 {
		entry["fields"] = event.Meta
	}
	data, err := json.Marshal(entry)
	if err != nil {
		obs.Logger().Println(`{"type":"audit","event":"marshal_failed"}`)
		return
	}
	obs.Logger().Println(string(data))
}
