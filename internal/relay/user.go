package relay

import "github.com/nick-hill-dev/wsrelay-server/internal/identity"

// Conn is the per-connection send capability supplied by the transport.
// Implementations must not block: the manager holds its lock while sending.
type Conn interface {
	SendText(packet string)
	SendBinary(packet []byte)
}

// User is one connected client: created on connection accept, destroyed on
// disconnect. A user is in at most one realm at a time.
type User struct {
	id     int
	name   string
	claims identity.Claims
	realm  *Realm
	conn   Conn
}

// UserID returns the user's assigned id.
func (u *User) UserID() int {
	return u.id
}

// Name returns the display name, empty until the user identifies.
func (u *User) Name() string {
	return u.name
}

// Claims returns the decoded identity claims, nil until a token identify.
func (u *User) Claims() identity.Claims {
	return u.claims
}

// Realm returns the user's current realm, or nil.
func (u *User) Realm() *Realm {
	return u.realm
}

// SendText forwards a text frame to the user's connection.
func (u *User) SendText(packet string) {
	if u.conn != nil {
		u.conn.SendText(packet)
	}
}

// SendBinary forwards a binary frame to the user's connection.
func (u *User) SendBinary(packet []byte) {
	if u.conn != nil {
		u.conn.SendBinary(packet)
	}
}
