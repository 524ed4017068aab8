// Package entity implements the per-realm expiring text blob store. Records
// carry an absolute expiry tick count and are reaped lazily on load; there
// is no background sweep.
package entity

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/storage"
)

// Records are stored as "<expiryTicks> <payload>" where ticks use the .NET
// epoch (100ns intervals since 0001-01-01), matching the established on-disk
// format. Zero ticks means the record never expires.
const ticksEpochOffset = 621355968000000000

var nameRe = regexp.MustCompile(`^\w+$`)

// Store reads and writes expiring entities through a blob store.
type Store struct {
	blobs storage.Store
	clock clock.Clock
	log   *zap.Logger
}

// NewStore wires the entity store; a nil clock defaults to the wall clock.
func NewStore(blobs storage.Store, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{blobs: blobs, clock: clk, log: log}
}

// Load returns the payload for (realmID, name), or "" if the name is
// invalid, the record is absent, or it has expired. Expired records are
// deleted as a side effect.
func (s *Store) Load(realmID int, name string) string {
	if !ValidName(name) {
		return ""
	}
	key := entityKey(realmID, name)
	raw, err := s.blobs.Read(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("load entity", zap.String("key", key), zap.Error(err))
		}
		return ""
	}

	spaceIndex := strings.IndexByte(string(raw), ' ')
	if spaceIndex == -1 {
		s.log.Warn("entity record missing expiry header", zap.String("key", key))
		return ""
	}

	expiry, err := strconv.ParseInt(string(raw[:spaceIndex]), 10, 64)
	if err != nil {
		s.log.Warn("entity record has malformed expiry", zap.String("key", key), zap.Error(err))
		return ""
	}
	if expiry != 0 && s.nowTicks() > expiry {
		if err := s.blobs.Delete(key); err != nil {
			s.log.Warn("delete expired entity", zap.String("key", key), zap.Error(err))
		}
		return ""
	}

	return string(raw[spaceIndex+1:])
}

// Save stores a payload with an optional TTL in seconds (0 = never expires).
// An empty payload deletes any existing record.
func (s *Store) Save(realmID int, name string, ttlSeconds int, payload string) error {
	if !ValidName(name) {
		return nil
	}
	key := entityKey(realmID, name)
	if payload == "" {
		return s.blobs.Delete(key)
	}

	var expiry int64
	if ttlSeconds != 0 {
		expiry = toTicks(s.clock.Now().Add(time.Duration(ttlSeconds) * time.Second))
	}
	record := strconv.FormatInt(expiry, 10) + " " + payload
	return s.blobs.Write(key, []byte(record))
}

// PurgeRealm deletes every entity belonging to a realm.
func (s *Store) PurgeRealm(realmID int) {
	prefix := fmt.Sprintf("realm.%d.", realmID)
	keys, err := s.blobs.List(prefix)
	if err != nil {
		s.log.Warn("list realm entities", zap.Int("realm", realmID), zap.Error(err))
		return
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, ".e") {
			continue
		}
		if err := s.blobs.Delete(key); err != nil {
			s.log.Warn("purge entity", zap.String("key", key), zap.Error(err))
		}
	}
}

// ValidName reports whether an entity name is restricted to word characters.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

func (s *Store) nowTicks() int64 {
	return toTicks(s.clock.Now())
}

func toTicks(t time.Time) int64 {
	return ticksEpochOffset + t.UnixMilli()*10000
}

func entityKey(realmID int, name string) string {
	return fmt.Sprintf("realm.%d.%s.e", realmID, name)
}
