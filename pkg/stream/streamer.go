// Package stream fans persisted run events out to subscribers. A
// subscription replays the durable log from a cursor, then tails the live
// feed; because every event is persisted before it is published, the
// replay/tail seam cannot lose or reorder anything. Slow subscribers are
// dropped rather than ever back-pressuring the pipeline.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/store"
)

// DefaultWatermark is the per-subscriber live buffer; a subscriber this
// far behind the pipeline is dropped.
const DefaultWatermark = 256

// Streamer is the subscription hub. The pipeline is the single producer
// per run; any number of subscribers consume with independent cursors.
type Streamer struct {
	store     store.Store
	watermark int
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	live    chan *contracts.Event
	dropped chan struct{}
	once    sync.Once
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.dropped) })
}

// New creates a streamer over the given store.
func New(st store.Store, watermark int, logger *slog.Logger) *Streamer {
	if watermark <= 0 {
		watermark = DefaultWatermark
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		store:     st,
		watermark: watermark,
		logger:    logger,
		subs:      make(map[string]map[*subscriber]struct{}),
	}
}

// Publish forwards a durable event to the run's subscribers. A subscriber
// whose buffer is full is dropped on the spot; Publish never blocks.
func (s *Streamer) Publish(ev *contracts.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[ev.RunID] {
		select {
		case sub.live <- ev:
		default:
			s.logger.Warn("dropping lagging subscriber", "run_id", ev.RunID)
			sub.drop()
			delete(s.subs[ev.RunID], sub)
		}
	}
}

// Subscribe replays events with seq > sinceSeq and then tails the live
// feed. The returned channel closes when ctx ends, the subscriber lags
// beyond the watermark, or cancel is called. Events arrive in seq order
// with no duplicates and no gaps.
func (s *Streamer) Subscribe(ctx context.Context, runID string, sinceSeq uint64) (<-chan *contracts.Event, func(), error) {
	// Validate the run exists before registering.
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		live:    make(chan *contracts.Event, s.watermark),
		dropped: make(chan struct{}),
	}
	s.register(runID, sub)

	out := make(chan *contracts.Event)
	done := make(chan struct{})
	cancel := func() {
		s.unregister(runID, sub)
		sub.drop()
		<-done
	}

	go func() {
		defer close(out)
		defer close(done)
		defer s.unregister(runID, sub)

		cursor := sinceSeq

		// Replay the durable log. Registration happened first, so events
		// persisted after this read are waiting in the live buffer.
		deliver := func(ev *contracts.Event) bool {
			if ev.Seq <= cursor {
				return true
			}
			select {
			case out <- ev:
				cursor = ev.Seq
				return true
			case <-ctx.Done():
				return false
			case <-sub.dropped:
				return false
			}
		}

		catchUp := func() bool {
			events, err := s.store.GetEvents(ctx, runID, cursor)
			if err != nil {
				s.logger.Error("replay failed", "run_id", runID, "error", err)
				return false
			}
			for _, ev := range events {
				if !deliver(ev) {
					return false
				}
			}
			return true
		}

		if !catchUp() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.dropped:
				return
			case ev := <-sub.live:
				if ev.Seq <= cursor {
					continue
				}
				if ev.Seq > cursor+1 {
					// The live buffer skipped ahead of what we have
					// delivered; refill the hole from the durable log.
					if !catchUp() {
						return
					}
					continue
				}
				if !deliver(ev) {
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

func (s *Streamer) register(runID string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[*subscriber]struct{})
	}
	s.subs[runID][sub] = struct{}{}
}

func (s *Streamer) unregister(runID string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[runID], sub)
	if len(s.subs[runID]) == 0 {
		delete(s.subs, runID)
	}
}

// SubscriberCount reports active subscribers for a run.
func (s *Streamer) SubscriberCount(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[runID])
}
