package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/wire"
)

// Each text operation decodes one inbound line and executes it against the
// manager. Decode failures drop the frame; execute runs under the manager
// lock and may emit any number of outbound frames.
type textOperation interface {
	decode(command, message string) error
	execute(sender *User, m *Manager) error
}

var errUnexpectedSymbol = errors.New("unexpected command symbol")

var textOps = map[byte]func() textOperation{
	wire.SymJoinRealm:          func() textOperation { return &joinRealmOp{} },
	wire.SymJoinChildRealm:     func() textOperation { return &joinRealmOp{} },
	wire.SymJoinPersistedRealm: func() textOperation { return &joinRealmOp{} },
	wire.SymIdentify:           func() textOperation { return &identifyOp{} },
	wire.SymSendToAll:          func() textOperation { return &sendToAllOp{} },
	wire.SymSendToAllExceptMe:  func() textOperation { return &sendToAllOp{} },
	wire.SymSendToUser:         func() textOperation { return &sendToUserOp{} },
	wire.SymSendToRealm:        func() textOperation { return &sendToRealmOp{} },
	wire.SymLoadEntity:         func() textOperation { return &loadEntityOp{} },
	wire.SymSaveEntity:         func() textOperation { return &saveEntityOp{} },
	wire.SymDeleteRealm:        func() textOperation { return &deleteRealmOp{} },
}

// parseNumber mirrors the wire convention that a missing or malformed
// number means "unspecified" (-1).
func parseNumber(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

type joinRealmOp struct {
	option      ChangeRealmOption
	realmNumber int
}

func (op *joinRealmOp) decode(command, _ string) error {
	switch command[0] {
	case wire.SymJoinRealm:
		op.option = ChangeStandard
	case wire.SymJoinChildRealm:
		op.option = ChangeTemporaryChild
	case wire.SymJoinPersistedRealm:
		op.option = ChangePersistedChild
	default:
		return errUnexpectedSymbol
	}
	op.realmNumber = parseNumber(command[1:])
	return nil
}

func (op *joinRealmOp) execute(sender *User, m *Manager) error {
	realmID := op.realmNumber
	if realmID == -1 {
		realmID = m.realmIDs.assign()
	}
	m.changeRealmLocked(sender, realmID, op.option)
	return nil
}

type identifyOp struct {
	subtype string
	message string
}

func (op *identifyOp) decode(command, message string) error {
	if command[0] != wire.SymIdentify {
		return errUnexpectedSymbol
	}
	switch subtype := command[1:]; subtype {
	case "", "name":
		op.subtype = "name"
	case "jwt":
		op.subtype = "jwt"
	default:
		return fmt.Errorf("invalid identification type %q", subtype)
	}
	op.message = message
	return nil
}

func (op *identifyOp) execute(sender *User, m *Manager) error {
	// A name, once set, is immutable.
	if sender.name != "" {
		return nil
	}

	if op.subtype == "name" {
		sender.name = op.message
		return nil
	}

	if m.verifier == nil {
		return errors.New("token identification is not configured")
	}
	claims, err := m.verifier.Verify(op.message)
	if err != nil {
		// Identity stays unset; the connection is unaffected.
		m.log.Warn("token identify failed", zap.Int("user", sender.id), zap.Error(err))
		return nil
	}
	sender.claims = claims
	sender.name = claims.Name(m.opts.NameClaim)
	return nil
}

type sendToAllOp struct {
	includeMe bool
	message   string
}

func (op *sendToAllOp) decode(command, message string) error {
	switch command[0] {
	case wire.SymSendToAll:
		op.includeMe = true
	case wire.SymSendToAllExceptMe:
		op.includeMe = false
	default:
		return errUnexpectedSymbol
	}
	op.message = message
	return nil
}

func (op *sendToAllOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}
	symbol := byte(wire.SymSendToAll)
	if !op.includeMe {
		symbol = wire.SymSendToAllExceptMe
	}
	packet := string(symbol) + strconv.Itoa(sender.id) + " " + op.message
	for _, member := range sender.realm.members {
		if op.includeMe || member != sender {
			m.sendText(member, packet)
		}
	}
	return nil
}

type sendToUserOp struct {
	targetUserID int
	message      string
}

func (op *sendToUserOp) decode(command, message string) error {
	if command[0] != wire.SymSendToUser {
		return errUnexpectedSymbol
	}
	op.targetUserID = parseNumber(command[1:])
	op.message = message
	return nil
}

func (op *sendToUserOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}
	target, ok := m.users[op.targetUserID]
	if !ok {
		return nil
	}
	m.sendText(target, string(wire.SymSendToUser)+strconv.Itoa(sender.id)+" "+op.message)
	return nil
}

type sendToRealmOp struct {
	targetRealmID int
	allMembers    bool
	message       string
}

func (op *sendToRealmOp) decode(command, message string) error {
	if command[0] != wire.SymSendToRealm {
		return errUnexpectedSymbol
	}
	fragment := command[1:]
	if rest, ok := strings.CutSuffix(fragment, ",*"); ok {
		op.allMembers = true
		fragment = rest
	}
	op.targetRealmID = parseNumber(fragment)
	op.message = message
	return nil
}

func (op *sendToRealmOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}
	target, ok := m.realms[op.targetRealmID]
	if !ok || len(target.members) == 0 {
		return nil
	}

	packet := string(wire.SymSendToUser) + strconv.Itoa(sender.id) + " " + op.message
	if op.allMembers {
		for _, member := range target.members {
			m.sendText(member, packet)
		}
		return nil
	}
	m.sendText(target.members[0], packet)
	return nil
}

type loadEntityOp struct {
	realmID    int
	entityName string
}

func (op *loadEntityOp) decode(command, _ string) error {
	if command[0] != wire.SymLoadEntity {
		return errUnexpectedSymbol
	}
	fragment := command[1:]
	if fragment == "" {
		return errors.New("load entity command requires a name")
	}
	op.realmID = -1
	if realmPart, name, ok := strings.Cut(fragment, ","); ok {
		op.realmID = parseNumber(realmPart)
		op.entityName = name
	} else {
		op.entityName = fragment
	}
	return nil
}

func (op *loadEntityOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}

	realmID := op.realmID
	if realmID == -1 {
		realmID = sender.realm.id
	}

	// The reply echoes the request fragment so the client can correlate it.
	fragment := op.entityName
	if realmID != sender.realm.id {
		fragment = strconv.Itoa(realmID) + "," + op.entityName
	}

	reply := string(wire.SymLoadEntity) + fragment
	if data := m.entities.Load(realmID, op.entityName); data != "" {
		reply += " " + data
	}
	m.sendText(sender, reply)
	return nil
}

type saveEntityOp struct {
	entityName string
	ttlSeconds int
	data       string
}

func (op *saveEntityOp) decode(command, message string) error {
	if command[0] != wire.SymSaveEntity {
		return errUnexpectedSymbol
	}
	fragment := command[1:]
	if fragment == "" {
		return errors.New("save entity command requires a name")
	}
	if name, ttlPart, ok := strings.Cut(fragment, ","); ok {
		op.entityName = name
		op.ttlSeconds = parseNumber(ttlPart)
		if op.ttlSeconds < 0 {
			op.ttlSeconds = 0
		}
	} else {
		op.entityName = fragment
	}
	op.data = message
	return nil
}

func (op *saveEntityOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}
	return m.entities.Save(sender.realm.id, op.entityName, op.ttlSeconds, op.data)
}

type deleteRealmOp struct {
	realmNumber int
}

func (op *deleteRealmOp) decode(command, _ string) error {
	if command[0] != wire.SymDeleteRealm {
		return errUnexpectedSymbol
	}
	op.realmNumber = parseNumber(command[1:])
	return nil
}

func (op *deleteRealmOp) execute(sender *User, m *Manager) error {
	realmID := op.realmNumber
	if realmID == -1 && sender.realm != nil {
		realmID = sender.realm.id
	}
	if realmID == -1 {
		return nil
	}

	// The registry performs no authorization; the admin role claim is
	// checked here and the operation fails closed.
	if m.opts.RolesClaim == "" || m.opts.AdminRoleName == "" {
		m.log.Warn("cannot delete realm: admin role claim is not configured", zap.Int("user", sender.id))
		return nil
	}
	if sender.claims == nil {
		m.log.Warn("cannot delete realm: user has not identified with a token", zap.Int("user", sender.id))
		return nil
	}
	if !sender.claims.HasRole(m.opts.RolesClaim, m.opts.AdminRoleName) {
		m.log.Warn("cannot delete realm: user lacks the admin role",
			zap.Int("user", sender.id), zap.String("claim", m.opts.RolesClaim))
		return nil
	}

	m.deleteRealmLocked(realmID)
	return nil
}
