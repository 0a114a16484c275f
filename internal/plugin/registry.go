package plugin

import (
	"context"
	"log"
	"sort"

	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/store"
)

// Registry holds the active plugin chain and dispatches messages through
// it in priority order.
type Registry struct {
	plugins  []Plugin
	settings config.PluginMap
	store    *store.Store
	base     Capabilities
}

// NewRegistry builds a registry. Only plugins marked active in settings
// are registered; everything else is skipped with a log line.
func NewRegistry(settings config.PluginMap, st *store.Store, base Capabilities) *Registry {
	return &Registry{
		settings: settings,
		store:    st,
		base:     base,
	}
}

// Register adds a plugin if its settings mark it active. The chain stays
// sorted by (priority, name).
func (r *Registry) Register(p Plugin) {
	cfg, ok := r.settings[p.Name()]
	if !ok || !cfg.Active {
		log.Printf("[plugin] %s inactive, skipping", p.Name())
		return
	}

	r.plugins = append(r.plugins, p)
	sort.SliceStable(r.plugins, func(i, j int) bool {
		a, b := r.plugins[i], r.plugins[j]
		if a.Priority() != b.Priority() {
			return a.Priority() < b.Priority()
		}
		return a.Name() < b.Name()
	})
	log.Printf("[plugin] %s registered (priority=%d)", p.Name(), p.Priority())
}

// Active returns the chain in dispatch order.
func (r *Registry) Active() []Plugin {
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// DispatchMeshPacket offers a mesh packet to each plugin in order and
// reports whether one consumed it. Plugins with a channel allowlist only
// see packets on those channels.
func (r *Registry) DispatchMeshPacket(ctx context.Context, pkt *meshtastic.Packet) bool {
	for _, p := range r.plugins {
		if !r.channelAllowed(p.Name(), pkt.Channel) {
			continue
		}

		consumed, err := p.HandleMeshPacket(ctx, r.capsFor(p), pkt)
		if err != nil {
			log.Printf("[plugin:%s] mesh handler failed: %v", p.Name(), err)
			continue
		}
		if consumed {
			return true
		}
	}
	return false
}

// DispatchRoomMessage offers a room message to each plugin in order and
// reports whether one consumed it.
func (r *Registry) DispatchRoomMessage(ctx context.Context, evt *event.Event) bool {
	for _, p := range r.plugins {
		consumed, err := p.HandleRoomMessage(ctx, r.capsFor(p), evt)
		if err != nil {
			log.Printf("[plugin:%s] room handler failed: %v", p.Name(), err)
			continue
		}
		if consumed {
			return true
		}
	}
	return false
}

func (r *Registry) channelAllowed(name string, channel uint32) bool {
	channels := r.settings[name].Channels
	if len(channels) == 0 {
		return true
	}
	for _, ch := range channels {
		if ch >= 0 && uint32(ch) == channel {
			return true
		}
	}
	return false
}

// capsFor narrows the shared capabilities to one plugin: its own store
// namespace and its clamped response delay.
func (r *Registry) capsFor(p Plugin) *Capabilities {
	caps := r.base
	caps.Store = &namespacedStore{store: r.store, plugin: p.Name()}

	if raw, ok := r.settings[p.Name()].Extra["response_delay"]; ok {
		if seconds, ok := toFloat(raw); ok {
			caps.ResponseDelay = meshtastic.ClampDelay(seconds)
		}
	}
	// Unconfigured plugins still pace their responses at the firmware floor.
	if caps.ResponseDelay <= 0 {
		caps.ResponseDelay = meshtastic.ClampDelay(config.MinMessageDelay)
	}
	return &caps
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

type namespacedStore struct {
	store  *store.Store
	plugin string
}

func (n *namespacedStore) Set(ctx context.Context, nodeID string, data []byte) error {
	return n.store.SetPluginData(ctx, n.plugin, nodeID, data)
}

func (n *namespacedStore) Get(ctx context.Context, nodeID string) ([]byte, error) {
	return n.store.PluginData(ctx, n.plugin, nodeID)
}

func (n *namespacedStore) All(ctx context.Context) (map[string][]byte, error) {
	return n.store.AllPluginData(ctx, n.plugin)
}

func (n *namespacedStore) Clear(ctx context.Context) error {
	return n.store.DeletePluginData(ctx, n.plugin)
}
