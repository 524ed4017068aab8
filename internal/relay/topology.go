package relay

import (
	"encoding/json"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/storage"
)

// Persisted realm topology: a flat list of child->parent edges, rewritten in
// full whenever a persisted child realm is created and reloaded at startup.
const topologyKey = "topology"

type topologyEdge struct {
	Child  int `json:"child"`
	Parent int `json:"parent"`
}

func (m *Manager) saveTopology() {
	if m.topo == nil {
		return
	}

	var edges []topologyEdge
	for _, realm := range m.realms {
		if realm.persist && realm.parent != nil {
			edges = append(edges, topologyEdge{Child: realm.id, Parent: realm.parent.id})
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Child < edges[j].Child })

	data, err := json.Marshal(edges)
	if err != nil {
		m.log.Error("encode topology", zap.Error(err))
		return
	}
	if err := m.topo.Write(topologyKey, data); err != nil {
		m.log.Error("persist topology", zap.Error(err))
	}
}

func (m *Manager) loadTopology() {
	if m.topo == nil {
		return
	}

	data, err := m.topo.Read(topologyKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.log.Error("read topology", zap.Error(err))
		}
		return
	}

	var edges []topologyEdge
	if err := json.Unmarshal(data, &edges); err != nil {
		m.log.Error("decode topology", zap.Error(err))
		return
	}

	// Parents must exist before their children; edges whose parent is itself
	// a persisted child resolve on a later pass.
	pending := edges
	for len(pending) > 0 {
		var deferred []topologyEdge
		progressed := false
		for _, edge := range pending {
			parent, ok := m.realms[edge.Parent]
			if !ok {
				deferred = append(deferred, edge)
				continue
			}
			if _, exists := m.realms[edge.Child]; exists || edge.Child < m.opts.PublicRealmCount {
				m.log.Warn("ignoring invalid topology edge", zap.Int("child", edge.Child), zap.Int("parent", edge.Parent))
				progressed = true
				continue
			}
			realm := &Realm{id: edge.Child, parent: parent, persist: true}
			parent.children = append(parent.children, realm)
			m.realms[edge.Child] = realm
			m.realmIDs.reserve(edge.Child)
			progressed = true
		}
		if !progressed {
			for _, edge := range deferred {
				m.log.Warn("orphaned topology edge", zap.Int("child", edge.Child), zap.Int("parent", edge.Parent))
			}
			return
		}
		pending = deferred
	}
}
