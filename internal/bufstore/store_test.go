package bufstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nick-hill-dev/wsrelay-server/internal/storage"
)

type fakeSubscriber struct {
	id   int
	sent [][]byte
}

func (f *fakeSubscriber) UserID() int { return f.id }

func (f *fakeSubscriber) SendBinary(data []byte) { f.sent = append(f.sent, data) }

func newTestStore(t *testing.T, maxSize int) (*Store, *storage.FileStore) {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("init blob store: %v", err)
	}
	return NewStore(blobs, maxSize, false, nil), blobs
}

func TestUpdateExtendsBuffer(t *testing.T) {
	store, _ := newTestStore(t, 1024)

	if _, err := store.Update(1, "board", 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := store.Get(1, "board"); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("expected [1 2 3], got %v", got)
	}

	// A sparse write extends the logical length, zero-filling the gap.
	if _, err := store.Update(1, "board", 5, []byte{9}); err != nil {
		t.Fatalf("sparse update: %v", err)
	}
	if got := store.Get(1, "board"); !bytes.Equal(got, []byte{1, 2, 3, 0, 0, 9}) {
		t.Fatalf("expected [1 2 3 0 0 9], got %v", got)
	}
}

func TestUpdateBeyondMaxSizeFails(t *testing.T) {
	store, _ := newTestStore(t, 8)

	if _, err := store.Update(1, "board", 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err := store.Update(1, "board", 6, []byte{1, 2, 3})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	// The failed update leaves the buffer unchanged.
	if got := store.Get(1, "board"); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("expected buffer unchanged, got %v", got)
	}
}

func TestSetReplacesWholesale(t *testing.T) {
	store, _ := newTestStore(t, 1024)

	if _, err := store.Set(1, "board", []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Set(1, "board", []byte{9}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := store.Get(1, "board"); !bytes.Equal(got, []byte{9}) {
		t.Fatalf("expected wholesale replace to [9], got %v", got)
	}
}

func TestSetCapConfigurable(t *testing.T) {
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("init blob store: %v", err)
	}

	relaxed := NewStore(blobs, 4, false, nil)
	if _, err := relaxed.Set(1, "big", make([]byte, 10)); err != nil {
		t.Fatalf("expected uncapped set to succeed, got %v", err)
	}

	strict := NewStore(blobs, 4, true, nil)
	if _, err := strict.Set(2, "big", make([]byte, 10)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected capped set to fail, got %v", err)
	}
}

func TestGrowthDoubles(t *testing.T) {
	store, _ := newTestStore(t, 1 << 20)

	// Write past the initial capacity several times.
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := store.Update(1, "big", 0, payload); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := store.Get(1, "big"); !bytes.Equal(got, payload) {
		t.Fatalf("expected %d bytes preserved across growth, got %d", len(payload), len(got))
	}
}

func TestSubscribersReceiveSetAndUpdate(t *testing.T) {
	store, _ := newTestStore(t, 1024)

	a := &fakeSubscriber{id: 1}
	b := &fakeSubscriber{id: 2}
	store.Subscribe(a, 1, "board")
	store.Subscribe(b, 1, "board")
	store.Subscribe(a, 1, "board") // duplicate subscribe is a no-op

	subs, err := store.Set(1, "board", []byte{1})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(subs))
	}

	store.Unsubscribe(b, 1, "board")
	subs, err = store.Update(1, "board", 0, []byte{2})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(subs) != 1 || subs[0].UserID() != 1 {
		t.Fatalf("expected only subscriber 1, got %v", subs)
	}

	store.UnsubscribeAll(a)
	subs, err = store.Update(1, "board", 0, []byte{3})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscribers after UnsubscribeAll, got %d", len(subs))
	}
}

func TestSweepPersistsAndEvicts(t *testing.T) {
	store, blobs := newTestStore(t, 1024)

	sub := &fakeSubscriber{id: 1}
	store.Subscribe(sub, 1, "kept")
	if _, err := store.Update(1, "kept", 0, []byte{1, 2}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := store.Update(1, "loose", 0, []byte{3}); err != nil {
		t.Fatalf("update: %v", err)
	}

	store.Sweep()

	// Both persisted; the subscriber-less buffer was evicted.
	if data, err := blobs.Read("realm.1.kept.fse"); err != nil || !bytes.Equal(data, []byte{1, 2}) {
		t.Fatalf("expected kept buffer persisted, got %v err %v", data, err)
	}
	if data, err := blobs.Read("realm.1.loose.fse"); err != nil || !bytes.Equal(data, []byte{3}) {
		t.Fatalf("expected loose buffer persisted, got %v err %v", data, err)
	}
	if store.ResidentCount() != 1 {
		t.Fatalf("expected only subscribed buffer resident, got %d", store.ResidentCount())
	}

	// Evicted buffers reload from their persisted form.
	if got := store.Get(1, "loose"); !bytes.Equal(got, []byte{3}) {
		t.Fatalf("expected reload from disk, got %v", got)
	}
}

func TestSweepRemovesEmptyBuffers(t *testing.T) {
	store, blobs := newTestStore(t, 1024)

	if _, err := store.Set(1, "gone", []byte{1, 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	store.Sweep()
	if _, err := store.Set(1, "gone", nil); err != nil {
		t.Fatalf("set empty: %v", err)
	}
	store.Sweep()

	if _, err := blobs.Read("realm.1.gone.fse"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected empty buffer removed from storage, got %v", err)
	}
	if store.ResidentCount() != 0 {
		t.Fatalf("expected empty buffer evicted, got %d resident", store.ResidentCount())
	}
}

func TestPurgeRealm(t *testing.T) {
	store, blobs := newTestStore(t, 1024)

	if _, err := store.Set(4, "a", []byte{1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Set(4, "b", []byte{2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Set(5, "a", []byte{3}); err != nil {
		t.Fatalf("set: %v", err)
	}
	store.Sweep()

	store.PurgeRealm(4)

	keys, err := blobs.List("realm.4.")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected realm 4 buffers purged, got %v", keys)
	}
	if got := store.Get(5, "a"); !bytes.Equal(got, []byte{3}) {
		t.Fatalf("expected realm 5 untouched, got %v", got)
	}
}
