package relay

import (
	"strings"

	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/wire"
)

// HandleText processes one inbound text frame from the given user. Frames
// with an unknown symbol or a malformed command are dropped; operation
// failures are logged but never terminate the connection.
func (m *Manager) HandleText(userID int, packet string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, ok := m.users[userID]
	if !ok {
		return
	}
	if m.opts.LogIncoming {
		m.log.Debug("recv", zap.Int("user", userID), zap.String("packet", packet))
	}
	command, message, _ := strings.Cut(packet, " ")
	if command == "" {
		return
	}

	factory, ok := textOps[command[0]]
	if !ok {
		m.log.Debug("unknown command symbol",
			zap.Int("user", userID), zap.String("symbol", string(command[0])))
		return
	}

	op := factory()
	if err := op.decode(command, message); err != nil {
		m.log.Debug("malformed command",
			zap.Int("user", userID), zap.String("command", command), zap.Error(err))
		return
	}
	if err := op.execute(sender, m); err != nil {
		m.log.Warn("command failed",
			zap.Int("user", userID), zap.String("command", command), zap.Error(err))
	}
}

// HandleBinary processes one inbound binary frame from the given user.
func (m *Manager) HandleBinary(userID int, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, ok := m.users[userID]
	if !ok {
		return
	}
	if m.opts.LogIncoming {
		m.log.Debug("recv binary", zap.Int("user", userID), zap.Int("bytes", len(frame)))
	}
	if len(frame) == 0 {
		return
	}

	opcode := frame[0]
	factory, ok := binaryOps[opcode]
	if !ok {
		m.log.Debug("unknown binary opcode", zap.Int("user", userID), zap.Uint8("opcode", opcode))
		return
	}

	op := factory()
	if err := op.decode(opcode, wire.NewReader(frame[1:])); err != nil {
		name, _ := wire.ServerCommandName(opcode)
		m.log.Debug("malformed binary command",
			zap.Int("user", userID), zap.String("command", name), zap.Error(err))
		return
	}
	if err := op.execute(sender, m); err != nil {
		name, _ := wire.ServerCommandName(opcode)
		m.log.Warn("binary command failed",
			zap.Int("user", userID), zap.String("command", name), zap.Error(err))
	}
}
