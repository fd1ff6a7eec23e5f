package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"aoidash/internal/model"
	"aoidash/internal/storage"
	"aoidash/internal/watermark"
)

type fakeStore struct {
	updates []model.LineUpdate
	err     error
}

func (f *fakeStore) Init(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func (f *fakeStore) LineUpdates(context.Context) ([]model.LineUpdate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.updates, nil
}

func (f *fakeStore) LatestPanels(context.Context) (map[int]model.InspectionPanel, error) {
	return nil, nil
}

func (f *fakeStore) KpiCounts(context.Context, storage.KpiQuery) (model.KpiCounts, bool, error) {
	return model.KpiCounts{}, false, nil
}

type fakeNotifier struct {
	events []model.Event
}

func (f *fakeNotifier) Broadcast(ev model.Event) {
	f.events = append(f.events, ev)
}

func newPollerForTest(store *fakeStore, n *fakeNotifier) (*Poller, *watermark.Store) {
	marks := watermark.NewStore()
	return New(store, marks, n, nil, nil, time.Second, time.Second), marks
}

func TestTickBroadcastsOnAdvance(t *testing.T) {
	t1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Second)
	store := &fakeStore{updates: []model.LineUpdate{{LineID: 1, LastUpdated: t1}}}
	notifier := &fakeNotifier{}
	p, _ := newPollerForTest(store, notifier)

	if !p.Tick(context.Background()) {
		t.Fatalf("first tick must broadcast")
	}
	if p.Tick(context.Background()) {
		t.Fatalf("unchanged timestamp must not broadcast")
	}

	store.updates = []model.LineUpdate{{LineID: 1, LastUpdated: t2}}
	if !p.Tick(context.Background()) {
		t.Fatalf("advanced timestamp must broadcast")
	}
	if p.Tick(context.Background()) {
		t.Fatalf("re-observing t2 must not broadcast")
	}

	if len(notifier.events) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(notifier.events))
	}
	for _, ev := range notifier.events {
		if ev.Type != model.EventDataUpdate {
			t.Fatalf("event type: %s", ev.Type)
		}
		if ev.Timestamp == 0 {
			t.Fatalf("data_update must carry a timestamp")
		}
	}
}

func TestTickSingleBroadcastForManyLines(t *testing.T) {
	now := time.Now()
	store := &fakeStore{updates: []model.LineUpdate{
		{LineID: 1, LastUpdated: now},
		{LineID: 2, LastUpdated: now},
		{LineID: 3, LastUpdated: now},
	}}
	notifier := &fakeNotifier{}
	p, _ := newPollerForTest(store, notifier)
	p.Tick(context.Background())
	if len(notifier.events) != 1 {
		t.Fatalf("multiple changed lines must coalesce into one event, got %d", len(notifier.events))
	}
}

func TestTickSkippedOnQueryError(t *testing.T) {
	store := &fakeStore{err: errors.New("store unreachable")}
	notifier := &fakeNotifier{}
	p, marks := newPollerForTest(store, notifier)

	if p.Tick(context.Background()) {
		t.Fatalf("failing tick must not broadcast")
	}
	if _, ok := marks.Get(1); ok {
		t.Fatalf("failing tick must not touch watermarks")
	}

	// Next tick recovers independently and sees the cumulative delta.
	store.err = nil
	store.updates = []model.LineUpdate{{LineID: 1, LastUpdated: time.Now()}}
	if !p.Tick(context.Background()) {
		t.Fatalf("recovered tick must broadcast")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	p, _ := newPollerForTest(store, notifier)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}
