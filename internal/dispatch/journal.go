package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/OysteinAmundsen/home-sub001/internal/model"
)

// Journal records session lifecycle changes. Every state change passes the
// full record, so implementations upsert by session id.
type Journal interface {
	RecordSession(ctx context.Context, rec model.SessionRecord) error
}

// journalQueue writes session records in the order they were added, on a
// single goroutine that runs only while records are waiting. add never
// blocks on the journal.
type journalQueue struct {
	j      Journal
	logger *slog.Logger

	mu   sync.Mutex
	recs []model.SessionRecord
	idle chan struct{} // closed when the drain goroutine exits; nil when idle
}

func (q *journalQueue) add(rec model.SessionRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.recs = append(q.recs, rec)
	if q.idle == nil {
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
}

func (q *journalQueue) drain(idle chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.recs) == 0 {
			q.idle = nil
			q.mu.Unlock()
			close(idle)
			return
		}
		rec := q.recs[0]
		q.recs = q.recs[1:]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := q.j.RecordSession(ctx, rec); err != nil {
			q.logger.Warn("journal session", "session_id", rec.ID, "state", string(rec.State), "error", err)
		}
		cancel()
	}
}

// flush waits until every record added so far has been written.
func (q *journalQueue) flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		q.mu.Unlock()
		if idle == nil {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
