// Package ingest moves raw stream messages from the listener queue into the store.
package ingest

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/internal/domain"
	"github.com/vadiminshakov/ordermirror/internal/services/normalizer"
	"github.com/vadiminshakov/ordermirror/internal/storage/eventjournal"
)

// Journal records raw payloads before they are applied.
type Journal interface {
	Append(payload []byte) (uint64, error)
	EventsAfter(index uint64) ([]eventjournal.Record, error)
}

// Applier is the store side of the pipeline.
type Applier interface {
	Apply(ev domain.Event)
	SetReplaying(on bool)
}

// Pipeline applies events in queue order from a single goroutine.
type Pipeline struct {
	events  <-chan []byte
	store   Applier
	journal Journal
	l       *zap.Logger
}

type Option func(*Pipeline)

// WithJournal enables raw event journaling and Replay.
func WithJournal(j Journal) Option {
	return func(p *Pipeline) {
		p.journal = j
	}
}

func New(events <-chan []byte, store Applier, l *zap.Logger, opts ...Option) *Pipeline {
	if l == nil {
		l = zap.NewNop()
	}
	p := &Pipeline{events: events, store: store, l: l}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes the queue until ctx is done or the queue is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-p.events:
			if !ok {
				return nil
			}
			if p.journal != nil {
				if _, err := p.journal.Append(payload); err != nil {
					p.l.Warn("failed to journal event", zap.Error(err))
				}
			}
			p.handle(payload)
		}
	}
}

// Replay applies journaled events with index > after and returns how many
// records were read. Events the store has already seen are no-ops there.
// Replayed events rebuild state only: nothing is broadcast or persisted again.
func (p *Pipeline) Replay(after uint64) (int, error) {
	if p.journal == nil {
		return 0, nil
	}
	records, err := p.journal.EventsAfter(after)
	if err != nil {
		return 0, errors.Wrap(err, "read event journal")
	}
	p.store.SetReplaying(true)
	for _, rec := range records {
		p.handle(rec.Payload)
	}
	p.store.SetReplaying(false)
	if len(records) > 0 {
		p.l.Info("replayed journaled events", zap.Int("count", len(records)))
	}
	return len(records), nil
}

func (p *Pipeline) handle(payload []byte) {
	ev, err := normalizer.Normalize(payload)
	if err != nil {
		if errors.Is(err, normalizer.ErrUnknownEvent) {
			p.l.Debug("ignoring event", zap.Error(err))
			return
		}
		p.l.Warn("dropping undecodable event", zap.Error(err), zap.ByteString("payload", payload))
		return
	}
	p.store.Apply(ev)
}
