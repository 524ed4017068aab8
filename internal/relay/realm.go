package relay

// Realm is a hierarchical room. The manager's id-indexed table is the sole
// owner of realm records; parent, children and members are non-owning
// references resolved through that table.
type Realm struct {
	id       int
	parent   *Realm
	children []*Realm
	members  []*User
	persist  bool
}

// ID returns the realm id.
func (r *Realm) ID() int {
	return r.id
}

// Parent returns the parent realm, nil for top-level realms.
func (r *Realm) Parent() *Realm {
	return r.parent
}

// Persisted reports whether the realm survives emptiness and restarts.
func (r *Realm) Persisted() bool {
	return r.persist
}

// Members returns the current member set.
func (r *Realm) Members() []*User {
	return r.members
}

// Children returns the child realms in creation order.
func (r *Realm) Children() []*Realm {
	return r.children
}

func (r *Realm) addMember(u *User) {
	r.members = append(r.members, u)
	u.realm = r
}

func (r *Realm) removeMember(u *User) {
	for i, member := range r.members {
		if member == u {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	u.realm = nil
}

func (r *Realm) removeChild(child *Realm) {
	for i, c := range r.children {
		if c == child {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return
		}
	}
}

// otherMembers returns every member except the given user.
func (r *Realm) otherMembers(u *User) []*User {
	out := make([]*User, 0, len(r.members))
	for _, member := range r.members {
		if member != u {
			out = append(out, member)
		}
	}
	return out
}
