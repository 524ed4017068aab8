// Package bufstore implements the per-realm shared mutable buffer store:
// named growable byte sequences with live subscriber sets and incremental
// update fan-out. Buffers are materialized lazily from blob storage and
// persisted/evicted by a periodic sweep.
//
// The store performs no locking of its own: all calls must be serialized by
// the caller (the relay manager holds its single-writer lock around every
// access, including sweep ticks).
package bufstore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/storage"
)

// ErrTooLarge is returned when a write would exceed the configured maximum
// buffer size. Unlike most validation failures this one is loud: the caller
// aborts the whole frame to surface misbehaving clients.
var ErrTooLarge = errors.New("buffer update exceeds maximum size")

var nameRe = regexp.MustCompile(`^\w+$`)

// Subscriber is a user handle registered for live updates to a buffer.
type Subscriber interface {
	UserID() int
	SendBinary(data []byte)
}

type bufferKey struct {
	realmID int
	name    string
}

// Store owns the resident buffers and their persisted forms.
type Store struct {
	blobs         storage.Store
	log           *zap.Logger
	maxSize       int
	enforceSetCap bool
	resident      map[bufferKey]*Buffer
}

// NewStore wires the buffer store. maxSize caps Update writes; the same cap
// applies to Set only when enforceSetCap is true.
func NewStore(blobs storage.Store, maxSize int, enforceSetCap bool, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		blobs:         blobs,
		log:           log,
		maxSize:       maxSize,
		enforceSetCap: enforceSetCap,
		resident:      make(map[bufferKey]*Buffer),
	}
}

// Get returns a copy of the buffer's current contents, materializing it if
// necessary. Invalid names yield an empty result.
func (s *Store) Get(realmID int, name string) []byte {
	if !nameRe.MatchString(name) {
		return nil
	}
	return s.materialize(realmID, name).Bytes()
}

// Set replaces the buffer wholesale and returns the subscribers the caller
// should broadcast to. Invalid names are silent no-ops.
func (s *Store) Set(realmID int, name string, data []byte) ([]Subscriber, error) {
	if !nameRe.MatchString(name) {
		return nil, nil
	}
	if s.enforceSetCap && len(data) > s.maxSize {
		return nil, fmt.Errorf("set %q to %d bytes: %w", name, len(data), ErrTooLarge)
	}
	buf := s.materialize(realmID, name)
	buf.replace(data)
	return buf.Subscribers(), nil
}

// Update writes data at position, extending the logical length as required,
// and returns the subscribers to broadcast to. Writes past the configured
// maximum size fail and leave the buffer unchanged.
func (s *Store) Update(realmID int, name string, position int, data []byte) ([]Subscriber, error) {
	if !nameRe.MatchString(name) || len(data) == 0 {
		return nil, nil
	}
	if position < 0 || position+len(data) > s.maxSize {
		return nil, fmt.Errorf("update %q at %d with %d bytes: %w", name, position, len(data), ErrTooLarge)
	}
	buf := s.materialize(realmID, name)
	buf.write(position, data)
	return buf.Subscribers(), nil
}

// Subscribe registers a user for live updates, materializing the buffer.
func (s *Store) Subscribe(sub Subscriber, realmID int, name string) {
	if !nameRe.MatchString(name) {
		return
	}
	s.materialize(realmID, name).subscribe(sub)
}

// Unsubscribe removes a user from one buffer's subscriber set.
func (s *Store) Unsubscribe(sub Subscriber, realmID int, name string) {
	if buf, ok := s.resident[bufferKey{realmID, name}]; ok {
		buf.unsubscribe(sub)
	}
}

// UnsubscribeAll removes a user from every buffer's subscriber set. Called
// when the user leaves its realm or disconnects.
func (s *Store) UnsubscribeAll(sub Subscriber) {
	for _, buf := range s.resident {
		buf.unsubscribe(sub)
	}
}

// Sweep persists dirty buffers and evicts those that no longer need to stay
// resident. Empty buffers are removed from persisted storage entirely.
func (s *Store) Sweep() {
	for key, buf := range s.resident {
		if buf.Len() == 0 {
			if err := s.blobs.Delete(blobKey(key)); err != nil {
				s.log.Warn("delete empty buffer", zap.String("key", blobKey(key)), zap.Error(err))
			}
			delete(s.resident, key)
			continue
		}
		if buf.dirty {
			if err := s.blobs.Write(blobKey(key), buf.Bytes()); err != nil {
				s.log.Warn("persist buffer", zap.String("key", blobKey(key)), zap.Error(err))
				continue
			}
			buf.dirty = false
		}
		if len(buf.subscribers) == 0 {
			delete(s.resident, key)
		}
	}
}

// PurgeRealm removes every buffer belonging to a realm, in memory and on
// disk. Called when the owning realm is destroyed.
func (s *Store) PurgeRealm(realmID int) {
	for key := range s.resident {
		if key.realmID == realmID {
			delete(s.resident, key)
		}
	}

	prefix := fmt.Sprintf("realm.%d.", realmID)
	keys, err := s.blobs.List(prefix)
	if err != nil {
		s.log.Warn("list realm buffers", zap.Int("realm", realmID), zap.Error(err))
		return
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, ".fse") {
			continue
		}
		if err := s.blobs.Delete(key); err != nil {
			s.log.Warn("purge buffer", zap.String("key", key), zap.Error(err))
		}
	}
}

// ResidentCount reports how many buffers are currently materialized.
func (s *Store) ResidentCount() int {
	return len(s.resident)
}

func (s *Store) materialize(realmID int, name string) *Buffer {
	key := bufferKey{realmID, name}
	if buf, ok := s.resident[key]; ok {
		return buf
	}

	var buf *Buffer
	data, err := s.blobs.Read(blobKey(key))
	switch {
	case err == nil:
		buf = newBuffer(data)
	case errors.Is(err, storage.ErrNotFound):
		buf = newBuffer(nil)
	default:
		s.log.Warn("load buffer", zap.String("key", blobKey(key)), zap.Error(err))
		buf = newBuffer(nil)
	}
	s.resident[key] = buf
	return buf
}

func blobKey(key bufferKey) string {
	return fmt.Sprintf("realm.%d.%s.fse", key.realmID, key.name)
}
