// Package relay implements the realm lifecycle and routing engine: the user
// table, the realm tree, id allocation, the protocol operations and the
// dispatcher that drives them.
package relay

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/bufstore"
	"github.com/nick-hill-dev/wsrelay-server/internal/entity"
	"github.com/nick-hill-dev/wsrelay-server/internal/identity"
	"github.com/nick-hill-dev/wsrelay-server/internal/storage"
	"github.com/nick-hill-dev/wsrelay-server/internal/wire"
)

// ChangeRealmOption selects how a realm change treats the target realm.
type ChangeRealmOption int

const (
	// ChangeStandard joins (or creates) the target realm with no parent link.
	ChangeStandard ChangeRealmOption = iota
	// ChangeTemporaryChild creates the target as a child of the current realm.
	ChangeTemporaryChild
	// ChangePersistedChild creates the target as a child whose parent edge is
	// durably recorded and which is immune to emptiness-triggered teardown.
	ChangePersistedChild
)

func (o ChangeRealmOption) child() bool {
	return o == ChangeTemporaryChild || o == ChangePersistedChild
}

// Options carry the relay engine parameters extracted from configuration.
type Options struct {
	// PublicRealmCount is the number of permanent public realms; ids in
	// [0, PublicRealmCount) always exist and are never destroyed.
	PublicRealmCount int
	// NameClaim selects the claim used as the display name after a token
	// identify (empty falls back to the subject).
	NameClaim string
	// RolesClaim and AdminRoleName gate the administrative delete-realm
	// operation; both must be set for it to be usable.
	RolesClaim    string
	AdminRoleName string
	LogIncoming   bool
	LogOutgoing   bool
}

// Manager owns all mutable relay state. Every mutation, including each
// outbound send a frame triggers and each buffer sweep tick, runs under one
// mutex so clients observe a single total order of notifications.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	users    map[int]*User
	realms   map[int]*Realm
	userIDs  *idPool
	realmIDs *idPool

	entities *entity.Store
	buffers  *bufstore.Store
	verifier identity.Verifier
	topo     storage.Store

	sweepOnce sync.Once
}

// NewManager wires the relay engine, creates the public realms and reloads
// the persisted realm topology. verifier and topo may be nil to disable
// token identification and topology persistence respectively.
func NewManager(opts Options, entities *entity.Store, buffers *bufstore.Store, verifier identity.Verifier, topo storage.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		opts:     opts,
		log:      log,
		users:    make(map[int]*User),
		realms:   make(map[int]*Realm),
		userIDs:  newIDPool(0),
		realmIDs: newIDPool(opts.PublicRealmCount),
		entities: entities,
		buffers:  buffers,
		verifier: verifier,
		topo:     topo,
	}

	for id := 0; id < opts.PublicRealmCount; id++ {
		m.realms[id] = &Realm{id: id}
	}
	m.loadTopology()

	return m
}

// Register creates a user for a new connection, assigns the smallest free
// id and acknowledges it with the connect notice.
func (m *Manager) Register(conn Conn) *User {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := &User{id: m.userIDs.assign(), conn: conn}
	m.users[user.id] = user
	m.sendText(user, string(wire.SymConnected)+strconv.Itoa(user.id))
	m.log.Info("user connected", zap.Int("user", user.id))
	return user
}

// Unregister destroys a user on disconnect, forcing a leave-realm transition
// first and returning the id to the pool.
func (m *Manager) Unregister(userID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return
	}
	m.changeRealmLocked(user, -1, ChangeStandard)
	delete(m.users, userID)
	m.userIDs.unassign(userID)
	m.log.Info("user disconnected", zap.Int("user", userID))
}

// ChangeRealm moves a user between realms; targetRealmID -1 means leave
// without joining anywhere.
func (m *Manager) ChangeRealm(user *User, targetRealmID int, option ChangeRealmOption) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeRealmLocked(user, targetRealmID, option)
}

// ReserveNextAvailableRealmNumber returns the smallest free non-public
// realm id, consuming it from the pool.
func (m *Manager) ReserveNextAvailableRealmNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realmIDs.assign()
}

// DeleteRealm force-destroys a non-public realm and its whole subtree
// regardless of emptiness. Authorization is the caller's responsibility;
// the registry performs none.
func (m *Manager) DeleteRealm(realmID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteRealmLocked(realmID)
}

// UserCount reports the number of connected users.
func (m *Manager) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// RealmCount reports the number of registered realms, public ones included.
func (m *Manager) RealmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.realms)
}

// ResidentBufferCount reports how many shared buffers are in memory.
func (m *Manager) ResidentBufferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers.ResidentCount()
}

// SweepBuffers runs one buffer persistence/eviction pass under the same
// serialization as frame processing.
func (m *Manager) SweepBuffers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers.Sweep()
}

// StartSweep launches the periodic buffer sweep until ctx is cancelled.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.sweepOnce.Do(func() {
		ticker := time.NewTicker(interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.SweepBuffers()
				}
			}
		}()
	})
}

func (m *Manager) changeRealmLocked(user *User, targetRealmID int, option ChangeRealmOption) {
	// Nothing to do if the user is staying where it is.
	becomingRealmless := targetRealmID == -1
	if (user.realm == nil && becomingRealmless) || (user.realm != nil && user.realm.id == targetRealmID) {
		return
	}

	// Child realms can only be created below a realm the user was in.
	oldRealm := user.realm
	if oldRealm == nil && option.child() {
		option = ChangeStandard
	}

	// Leave phase: drop buffer subscriptions, remove the user and tell the
	// remaining members.
	if oldRealm != nil {
		m.buffers.UnsubscribeAll(user)
		oldRealm.removeMember(user)
		for _, member := range oldRealm.members {
			m.sendText(member, string(wire.SymMemberLeft)+strconv.Itoa(user.id))
		}
	}

	// Join phase.
	var createdChild *Realm
	if !becomingRealmless {
		newRealm, ok := m.realms[targetRealmID]
		if !ok {
			var parent *Realm
			if option.child() {
				parent = oldRealm
			}
			newRealm = &Realm{id: targetRealmID, parent: parent, persist: option == ChangePersistedChild}
			m.realms[targetRealmID] = newRealm
			if parent != nil {
				parent.children = append(parent.children, newRealm)
				createdChild = newRealm
			}
			if newRealm.persist {
				m.saveTopology()
			}
		}

		newRealm.addMember(user)

		ackSymbol := byte(wire.SymJoinRealm)
		if option.child() {
			ackSymbol = wire.SymJoinChildRealm
		}
		m.sendText(user, string(ackSymbol)+strconv.Itoa(targetRealmID))

		for _, child := range newRealm.children {
			m.sendText(user, string(wire.SymChildCreated)+strconv.Itoa(child.id))
		}

		others := newRealm.otherMembers(user)
		ids := make([]string, len(others))
		for i, member := range others {
			ids[i] = strconv.Itoa(member.id)
		}
		m.sendText(user, string(wire.SymMemberList)+strings.Join(ids, ","))

		for _, member := range others {
			m.sendText(member, string(wire.SymMemberJoined)+strconv.Itoa(user.id))
		}
	}

	// Everyone left behind learns about a brand-new child realm.
	if createdChild != nil {
		for _, member := range oldRealm.members {
			m.sendText(member, string(wire.SymChildCreated)+strconv.Itoa(createdChild.id))
		}
	}

	// Cleanup phase: the old realm chain may now be empty.
	if !option.child() {
		m.cascadeDestroyLocked(oldRealm)
	}
}

// cascadeDestroyLocked walks upward from a realm, destroying every realm
// that is empty of members and children, not persisted and not public.
func (m *Manager) cascadeDestroyLocked(realm *Realm) {
	current := realm
	for current != nil &&
		len(current.members) == 0 &&
		len(current.children) == 0 &&
		!current.persist &&
		current.id >= m.opts.PublicRealmCount {

		parent := current.parent
		m.destroyRealmLocked(current)
		current = parent
	}
}

// destroyRealmLocked unregisters one realm: detaches it from its parent,
// notifies the parent's members, purges the stores and frees the id. The
// caller has already established that the realm may be destroyed.
func (m *Manager) destroyRealmLocked(realm *Realm) {
	if parent := realm.parent; parent != nil {
		parent.removeChild(realm)
		for _, member := range parent.members {
			m.sendText(member, string(wire.SymChildDestroyed)+strconv.Itoa(realm.id))
		}
	}

	m.entities.PurgeRealm(realm.id)
	m.buffers.PurgeRealm(realm.id)
	delete(m.realms, realm.id)
	m.realmIDs.unassign(realm.id)
	m.log.Info("realm destroyed", zap.Int("realm", realm.id))
}

func (m *Manager) deleteRealmLocked(realmID int) {
	realm, ok := m.realms[realmID]
	if !ok || realmID < m.opts.PublicRealmCount {
		return
	}

	parent := realm.parent
	hadPersisted := m.forceDestroyLocked(realm)
	if hadPersisted {
		m.saveTopology()
	}

	// The parent chain may have been left empty.
	m.cascadeDestroyLocked(parent)
}

// forceDestroyLocked destroys a subtree depth-first, moving members out
// through the standard leave path. Reports whether any destroyed realm was
// persisted, so the caller can rewrite the topology once.
func (m *Manager) forceDestroyLocked(realm *Realm) bool {
	hadPersisted := realm.persist

	for len(realm.children) > 0 {
		if m.forceDestroyLocked(realm.children[0]) {
			hadPersisted = true
		}
	}

	for len(realm.members) > 0 {
		user := realm.members[0]
		m.buffers.UnsubscribeAll(user)
		realm.removeMember(user)
		for _, member := range realm.members {
			m.sendText(member, string(wire.SymMemberLeft)+strconv.Itoa(user.id))
		}
	}

	m.destroyRealmLocked(realm)
	return hadPersisted
}

func (m *Manager) sendText(user *User, packet string) {
	if m.opts.LogOutgoing {
		m.log.Debug("send", zap.Int("user", user.id), zap.String("packet", packet))
	}
	user.SendText(packet)
}

func (m *Manager) sendBinary(sub bufstore.Subscriber, packet []byte) {
	if m.opts.LogOutgoing {
		m.log.Debug("send binary", zap.Int("user", sub.UserID()), zap.Int("bytes", len(packet)))
	}
	sub.SendBinary(packet)
}
