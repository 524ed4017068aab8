package relay

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/bufstore"
	"github.com/nick-hill-dev/wsrelay-server/internal/entity"
	"github.com/nick-hill-dev/wsrelay-server/internal/identity"
	"github.com/nick-hill-dev/wsrelay-server/internal/storage"
)

type fakeConn struct {
	text   []string
	binary [][]byte
}

func (c *fakeConn) SendText(packet string) {
	c.text = append(c.text, packet)
}

func (c *fakeConn) SendBinary(packet []byte) {
	c.binary = append(c.binary, append([]byte(nil), packet...))
}

func (c *fakeConn) reset() {
	c.text = nil
	c.binary = nil
}

type stubVerifier struct {
	claims identity.Claims
	err    error
}

func (v *stubVerifier) Verify(string) (identity.Claims, error) {
	return v.claims, v.err
}

func newTestManager(t *testing.T, opts Options, verifier identity.Verifier) *Manager {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	entities := entity.NewStore(blobs, clock.New(), zap.NewNop())
	buffers := bufstore.NewStore(blobs, 1<<20, false, zap.NewNop())
	return NewManager(opts, entities, buffers, verifier, blobs, zap.NewNop())
}

func connect(t *testing.T, m *Manager) (*User, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	user := m.Register(conn)
	conn.reset()
	return user, conn
}

func TestRegisterAssignsSmallestFreeID(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)

	conns := make([]*fakeConn, 3)
	for i := range conns {
		conns[i] = &fakeConn{}
		user := m.Register(conns[i])
		if user.UserID() != i {
			t.Fatalf("user id = %d, want %d", user.UserID(), i)
		}
		want := fmt.Sprintf("#%d", i)
		if len(conns[i].text) != 1 || conns[i].text[0] != want {
			t.Fatalf("connect notice = %v, want [%s]", conns[i].text, want)
		}
	}

	m.Unregister(1)
	reused := m.Register(&fakeConn{})
	if reused.UserID() != 1 {
		t.Fatalf("reused id = %d, want 1", reused.UserID())
	}
}

func TestJoinRealmNotifications(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)
	_, c1 := connect(t, m)

	m.HandleText(u0.UserID(), "^2")
	want := []string{"^2", "="}
	if !reflect.DeepEqual(c0.text, want) {
		t.Fatalf("first join packets = %v, want %v", c0.text, want)
	}

	c0.reset()
	m.HandleText(1, "^2")
	want = []string{"^2", "=0"}
	if !reflect.DeepEqual(c1.text, want) {
		t.Fatalf("second join packets = %v, want %v", c1.text, want)
	}
	if !reflect.DeepEqual(c0.text, []string{"+1"}) {
		t.Fatalf("existing member packets = %v, want [+1]", c0.text)
	}

	c0.reset()
	c1.reset()
	m.HandleText(1, "^3")
	if !reflect.DeepEqual(c0.text, []string{"-1"}) {
		t.Fatalf("leave notice = %v, want [-1]", c0.text)
	}
	if !reflect.DeepEqual(c1.text, []string{"^3", "="}) {
		t.Fatalf("mover packets = %v, want [^3 =]", c1.text)
	}
}

func TestRejoiningSameRealmIsANoOp(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)

	m.HandleText(u0.UserID(), "^2")
	c0.reset()
	m.HandleText(u0.UserID(), "^2")
	if len(c0.text) != 0 {
		t.Fatalf("rejoin produced packets: %v", c0.text)
	}
}

func TestAutoAssignedRealmNumberIsReused(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)

	m.HandleText(u0.UserID(), "^")
	if c0.text[0] != "^4" {
		t.Fatalf("auto join ack = %q, want ^4", c0.text[0])
	}

	// Leaving destroys the empty realm and frees its number.
	m.HandleText(u0.UserID(), "^0")
	c0.reset()
	m.HandleText(u0.UserID(), "^")
	if c0.text[0] != "^4" {
		t.Fatalf("second auto join ack = %q, want ^4", c0.text[0])
	}
}

func TestPublicRealmsSurviveEmptiness(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, _ := connect(t, m)

	before := m.RealmCount()
	m.HandleText(u0.UserID(), "^0")
	m.HandleText(u0.UserID(), "^1")
	m.Unregister(u0.UserID())
	if got := m.RealmCount(); got != before {
		t.Fatalf("realm count = %d, want %d", got, before)
	}
}

func TestChildRealmLifecycle(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)
	u1, c1 := connect(t, m)

	m.HandleText(u0.UserID(), "^0")
	m.HandleText(u1.UserID(), "^0")
	c0.reset()
	c1.reset()

	// u0 spawns a transient child realm below realm 0.
	m.HandleText(u0.UserID(), "&")
	if !reflect.DeepEqual(c0.text, []string{"&4", "="}) {
		t.Fatalf("child join packets = %v, want [&4 =]", c0.text)
	}
	if !reflect.DeepEqual(c1.text, []string{"-0", "{4"}) {
		t.Fatalf("parent member packets = %v, want [-0 {4]", c1.text)
	}

	// A later joiner of realm 0 is told about the existing child.
	u2, c2 := connect(t, m)
	m.HandleText(u2.UserID(), "^0")
	if !reflect.DeepEqual(c2.text, []string{"^0", "{4", "=1"}) {
		t.Fatalf("late joiner packets = %v, want [^0 {4 =1]", c2.text)
	}

	// u0 leaving empties the child, which is destroyed after the join
	// completes and announced to the parent realm's members.
	c0.reset()
	c1.reset()
	c2.reset()
	m.HandleText(u0.UserID(), "^0")
	if !reflect.DeepEqual(c0.text, []string{"^0", "{4", "=1,2", "}4"}) {
		t.Fatalf("mover packets = %v, want [^0 {4 =1,2 }4]", c0.text)
	}
	if !reflect.DeepEqual(c1.text, []string{"+0", "}4"}) {
		t.Fatalf("u1 packets after child teardown = %v, want [+0 }4]", c1.text)
	}
	if !reflect.DeepEqual(c2.text, []string{"+0", "}4"}) {
		t.Fatalf("u2 packets after child teardown = %v, want [+0 }4]", c2.text)
	}
}

func TestCascadeDestroysEmptyAncestors(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, _ := connect(t, m)

	m.HandleText(u0.UserID(), "^0")
	m.HandleText(u0.UserID(), "&")
	m.HandleText(u0.UserID(), "&")
	if got := m.RealmCount(); got != 6 {
		t.Fatalf("realm count = %d, want 6", got)
	}

	// Leaving the grandchild tears down the whole empty chain synchronously.
	m.HandleText(u0.UserID(), "^0")
	if got := m.RealmCount(); got != 4 {
		t.Fatalf("realm count after cascade = %d, want 4", got)
	}
}

func TestDisconnectLeavesRealm(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, _ := connect(t, m)
	u1, c1 := connect(t, m)

	m.HandleText(u0.UserID(), "^2")
	m.HandleText(u1.UserID(), "^2")
	c1.reset()

	m.Unregister(u0.UserID())
	if !reflect.DeepEqual(c1.text, []string{"-0"}) {
		t.Fatalf("disconnect notice = %v, want [-0]", c1.text)
	}
	if got := m.UserCount(); got != 1 {
		t.Fatalf("user count = %d, want 1", got)
	}
}

func TestSendToAll(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)
	u1, c1 := connect(t, m)
	m.HandleText(u0.UserID(), "^1")
	m.HandleText(u1.UserID(), "^1")
	c0.reset()
	c1.reset()

	m.HandleText(u0.UserID(), "* hello")
	if !reflect.DeepEqual(c0.text, []string{"*0 hello"}) {
		t.Fatalf("sender packets = %v, want [*0 hello]", c0.text)
	}
	if !reflect.DeepEqual(c1.text, []string{"*0 hello"}) {
		t.Fatalf("peer packets = %v, want [*0 hello]", c1.text)
	}

	c0.reset()
	c1.reset()
	m.HandleText(u0.UserID(), "! psst")
	if len(c0.text) != 0 {
		t.Fatalf("sender received its own exclusive broadcast: %v", c0.text)
	}
	if !reflect.DeepEqual(c1.text, []string{"!0 psst"}) {
		t.Fatalf("peer packets = %v, want [!0 psst]", c1.text)
	}
}

func TestSendToUser(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, _ := connect(t, m)
	u1, c1 := connect(t, m)
	m.HandleText(u0.UserID(), "^1")
	m.HandleText(u1.UserID(), "^2")
	c1.reset()

	// Direct messages cross realm boundaries.
	m.HandleText(u0.UserID(), "@1 hi there")
	if !reflect.DeepEqual(c1.text, []string{"@0 hi there"}) {
		t.Fatalf("dm packets = %v, want [@0 hi there]", c1.text)
	}

	// Unknown target: silently dropped.
	m.HandleText(u0.UserID(), "@99 anyone")
}

func TestSendToRealm(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, _ := connect(t, m)
	u1, c1 := connect(t, m)
	u2, c2 := connect(t, m)
	m.HandleText(u0.UserID(), "^1")
	m.HandleText(u1.UserID(), "^2")
	m.HandleText(u2.UserID(), "^2")
	c1.reset()
	c2.reset()

	// Default: only the realm's first member receives the message.
	m.HandleText(u0.UserID(), ":2 ping")
	if !reflect.DeepEqual(c1.text, []string{"@0 ping"}) {
		t.Fatalf("first member packets = %v, want [@0 ping]", c1.text)
	}
	if len(c2.text) != 0 {
		t.Fatalf("second member unexpectedly received: %v", c2.text)
	}

	c1.reset()
	m.HandleText(u0.UserID(), ":2,* ping")
	if !reflect.DeepEqual(c1.text, []string{"@0 ping"}) || !reflect.DeepEqual(c2.text, []string{"@0 ping"}) {
		t.Fatalf("all-members packets = %v / %v, want [@0 ping] both", c1.text, c2.text)
	}
}

func TestIdentifyByName(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, _ := connect(t, m)

	m.HandleText(u0.UserID(), "~ Alice")
	if u0.Name() != "Alice" {
		t.Fatalf("name = %q, want Alice", u0.Name())
	}

	// A name is immutable once set.
	m.HandleText(u0.UserID(), "~ Bob")
	if u0.Name() != "Alice" {
		t.Fatalf("name changed to %q", u0.Name())
	}
}

func TestIdentifyByToken(t *testing.T) {
	verifier := &stubVerifier{claims: identity.Claims{
		"name":  "carol",
		"roles": []any{"player"},
	}}
	m := newTestManager(t, Options{PublicRealmCount: 4, NameClaim: "name"}, verifier)
	u0, _ := connect(t, m)

	m.HandleText(u0.UserID(), "~jwt sometoken")
	if u0.Name() != "carol" {
		t.Fatalf("name = %q, want carol", u0.Name())
	}
	if u0.Claims() == nil {
		t.Fatal("claims not recorded")
	}
}

func TestIdentifyByInvalidTokenLeavesIdentityUnset(t *testing.T) {
	verifier := &stubVerifier{err: identity.ErrExpired}
	m := newTestManager(t, Options{PublicRealmCount: 4, NameClaim: "name"}, verifier)
	u0, _ := connect(t, m)

	m.HandleText(u0.UserID(), "~jwt badtoken")
	if u0.Name() != "" || u0.Claims() != nil {
		t.Fatalf("identity set from rejected token: name=%q claims=%v", u0.Name(), u0.Claims())
	}
}

func TestEntitySaveAndLoad(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)
	m.HandleText(u0.UserID(), "^2")
	c0.reset()

	m.HandleText(u0.UserID(), ">config some saved text")
	m.HandleText(u0.UserID(), "<config")
	if !reflect.DeepEqual(c0.text, []string{"<config some saved text"}) {
		t.Fatalf("load reply = %v, want [<config some saved text]", c0.text)
	}

	// Loading a missing entity echoes the bare fragment.
	c0.reset()
	m.HandleText(u0.UserID(), "<missing")
	if !reflect.DeepEqual(c0.text, []string{"<missing"}) {
		t.Fatalf("missing load reply = %v, want [<missing]", c0.text)
	}

	// Cross-realm load keeps the realm prefix in the reply.
	c0.reset()
	m.HandleText(u0.UserID(), "<3,other")
	if !reflect.DeepEqual(c0.text, []string{"<3,other"}) {
		t.Fatalf("cross-realm reply = %v, want [<3,other]", c0.text)
	}
}

func TestAdminDeleteRealmRequiresRole(t *testing.T) {
	verifier := &stubVerifier{claims: identity.Claims{
		"name":  "root",
		"roles": []any{"admin"},
	}}
	opts := Options{PublicRealmCount: 4, NameClaim: "name", RolesClaim: "roles", AdminRoleName: "admin"}
	m := newTestManager(t, opts, verifier)

	u0, _ := connect(t, m)
	m.HandleText(u0.UserID(), "^0")
	m.HandleText(u0.UserID(), "&")

	// No token: the delete is refused.
	m.HandleText(u0.UserID(), "x4")
	if m.RealmCount() != 5 {
		t.Fatalf("realm deleted without authorization")
	}

	m.HandleText(u0.UserID(), "~jwt admintoken")
	m.HandleText(u0.UserID(), "x4")
	if got := m.RealmCount(); got != 4 {
		t.Fatalf("realm count = %d, want 4", got)
	}
	if u0.Realm() != nil {
		t.Fatalf("deleted realm member still in realm %d", u0.Realm().ID())
	}
}

func TestAdminDeleteRefusesPublicRealms(t *testing.T) {
	verifier := &stubVerifier{claims: identity.Claims{"roles": []any{"admin"}}}
	opts := Options{PublicRealmCount: 4, RolesClaim: "roles", AdminRoleName: "admin"}
	m := newTestManager(t, opts, verifier)

	u0, _ := connect(t, m)
	m.HandleText(u0.UserID(), "~jwt admintoken")
	m.HandleText(u0.UserID(), "x1")
	if got := m.RealmCount(); got != 4 {
		t.Fatalf("realm count = %d, want 4", got)
	}
}

func TestAdminDeleteDestroysSubtree(t *testing.T) {
	verifier := &stubVerifier{claims: identity.Claims{"roles": []any{"admin"}}}
	opts := Options{PublicRealmCount: 2, RolesClaim: "roles", AdminRoleName: "admin"}
	m := newTestManager(t, opts, verifier)

	admin, _ := connect(t, m)
	other, _ := connect(t, m)
	m.HandleText(admin.UserID(), "~jwt admintoken")
	m.HandleText(admin.UserID(), "^0")
	m.HandleText(other.UserID(), "^1")
	m.HandleText(other.UserID(), "&")
	m.HandleText(other.UserID(), "&")
	if got := m.RealmCount(); got != 4 {
		t.Fatalf("realm count = %d, want 4", got)
	}

	// Deleting realm 2 takes its occupied grandchild (realm 3) with it.
	// The admin's own realm is unaffected.
	m.HandleText(admin.UserID(), "x2")
	if got := m.RealmCount(); got != 2 {
		t.Fatalf("realm count after delete = %d, want 2", got)
	}
	if other.Realm() != nil {
		t.Fatalf("evicted user still in realm %d", other.Realm().ID())
	}
	if admin.Realm() == nil || admin.Realm().ID() != 0 {
		t.Fatal("admin lost its realm")
	}
}

func TestReserveNextAvailableRealmNumber(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	if got := m.ReserveNextAvailableRealmNumber(); got != 4 {
		t.Fatalf("reserved = %d, want 4", got)
	}
	if got := m.ReserveNextAvailableRealmNumber(); got != 5 {
		t.Fatalf("reserved = %d, want 5", got)
	}

	// The reserved number is skipped by subsequent realm creation.
	u0, c0 := connect(t, m)
	m.HandleText(u0.UserID(), "^1")
	c0.reset()
	m.HandleText(u0.UserID(), "&")
	if c0.text[0] != "&6" {
		t.Fatalf("child ack = %q, want &6", c0.text[0])
	}
}

func TestRealmlessUserOperationsAreSilent(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)

	m.HandleText(u0.UserID(), "* hello")
	m.HandleText(u0.UserID(), ">thing data")
	m.HandleText(u0.UserID(), "<thing")
	m.HandleText(u0.UserID(), ":1 message")
	if len(c0.text) != 0 {
		t.Fatalf("realmless user received packets: %v", c0.text)
	}
}

func TestMalformedCommandsAreDropped(t *testing.T) {
	m := newTestManager(t, Options{PublicRealmCount: 4}, nil)
	u0, c0 := connect(t, m)

	m.HandleText(u0.UserID(), "")
	m.HandleText(u0.UserID(), "?bogus")
	m.HandleText(u0.UserID(), "<")
	m.HandleText(u0.UserID(), ">")
	m.HandleText(u0.UserID(), "~wrong type")
	if len(c0.text) != 0 {
		t.Fatalf("malformed commands produced packets: %v", c0.text)
	}
}
