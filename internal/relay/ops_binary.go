package relay

import (
	"github.com/nick-hill-dev/wsrelay-server/internal/wire"
)

// Binary operations parallel the text ones but decode from a packet reader.
// A user with no realm is a silent no-op for all of them.
type binaryOperation interface {
	decode(op byte, r *wire.Reader) error
	execute(sender *User, m *Manager) error
}

var binaryOps = map[byte]func() binaryOperation{
	wire.OpFseListen:          func() binaryOperation { return &fseListenOp{} },
	wire.OpFseUnlisten:        func() binaryOperation { return &fseUnlistenOp{} },
	wire.OpFseSet:             func() binaryOperation { return &fseSetOp{} },
	wire.OpFseSetIncludeMe:    func() binaryOperation { return &fseSetOp{} },
	wire.OpFseUpdate:          func() binaryOperation { return &fseUpdateOp{} },
	wire.OpFseUpdateIncludeMe: func() binaryOperation { return &fseUpdateOp{} },
}

type fseListenOp struct {
	name string
}

func (op *fseListenOp) decode(opcode byte, r *wire.Reader) error {
	if opcode != wire.OpFseListen {
		return errUnexpectedSymbol
	}
	var err error
	op.name, err = r.ReadString(1)
	return err
}

func (op *fseListenOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}

	m.buffers.Subscribe(sender, sender.realm.id, op.name)
	data := m.buffers.Get(sender.realm.id, op.name)

	w := wire.NewWriter()
	w.WriteUint(uint32(wire.OpClientFseData), 1)
	if err := w.WriteString(op.name, 1); err != nil {
		return err
	}
	if err := w.WriteBytes(data, 4); err != nil {
		return err
	}
	m.sendBinary(sender, w.Bytes())
	return nil
}

type fseUnlistenOp struct {
	name string
}

func (op *fseUnlistenOp) decode(opcode byte, r *wire.Reader) error {
	if opcode != wire.OpFseUnlisten {
		return errUnexpectedSymbol
	}
	var err error
	op.name, err = r.ReadString(1)
	return err
}

func (op *fseUnlistenOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}
	m.buffers.Unsubscribe(sender, sender.realm.id, op.name)
	return nil
}

type fseSetOp struct {
	name          string
	data          []byte
	includeSender bool
}

func (op *fseSetOp) decode(opcode byte, r *wire.Reader) error {
	switch opcode {
	case wire.OpFseSet:
	case wire.OpFseSetIncludeMe:
		op.includeSender = true
	default:
		return errUnexpectedSymbol
	}
	var err error
	if op.name, err = r.ReadString(1); err != nil {
		return err
	}
	op.data, err = r.ReadBytes(4)
	return err
}

func (op *fseSetOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}

	subscribers, err := m.buffers.Set(sender.realm.id, op.name, op.data)
	if err != nil {
		return err
	}

	w := wire.NewWriter()
	w.WriteUint(uint32(wire.OpClientFseSet), 1)
	w.WriteUint(uint32(sender.id), 4)
	if err := w.WriteString(op.name, 1); err != nil {
		return err
	}
	if err := w.WriteBytes(op.data, 4); err != nil {
		return err
	}
	packet := w.Bytes()

	for _, sub := range subscribers {
		if op.includeSender || sub.UserID() != sender.id {
			m.sendBinary(sub, packet)
		}
	}
	return nil
}

type fseUpdateOp struct {
	name          string
	position      uint32
	data          []byte
	includeSender bool
}

func (op *fseUpdateOp) decode(opcode byte, r *wire.Reader) error {
	switch opcode {
	case wire.OpFseUpdate:
	case wire.OpFseUpdateIncludeMe:
		op.includeSender = true
	default:
		return errUnexpectedSymbol
	}
	var err error
	if op.name, err = r.ReadString(1); err != nil {
		return err
	}
	if op.position, err = r.ReadUint(4); err != nil {
		return err
	}
	op.data, err = r.ReadBytes(2)
	return err
}

func (op *fseUpdateOp) execute(sender *User, m *Manager) error {
	if sender.realm == nil {
		return nil
	}

	subscribers, err := m.buffers.Update(sender.realm.id, op.name, int(op.position), op.data)
	if err != nil {
		return err
	}

	w := wire.NewWriter()
	w.WriteUint(uint32(wire.OpClientFseUpdate), 1)
	w.WriteUint(uint32(sender.id), 4)
	if err := w.WriteString(op.name, 1); err != nil {
		return err
	}
	w.WriteUint(op.position, 4)
	if err := w.WriteBytes(op.data, 2); err != nil {
		return err
	}
	packet := w.Bytes()

	for _, sub := range subscribers {
		if op.includeSender || sub.UserID() != sender.id {
			m.sendBinary(sub, packet)
		}
	}
	return nil
}
