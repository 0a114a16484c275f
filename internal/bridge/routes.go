package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/config"
)

// filterEnv is what a route filter expression can reference.
type filterEnv struct {
	Text    string `expr:"text"`
	Sender  string `expr:"sender"`
	Channel int    `expr:"channel"`
	DM      bool   `expr:"dm"`
}

// FilterInput carries one message's fields into route filter evaluation.
type FilterInput struct {
	Text    string
	Sender  string
	Channel uint32
	DM      bool
}

// Route binds one Matrix room to one mesh channel, optionally guarded by a
// filter expression.
type Route struct {
	Room    id.RoomID
	Channel uint32

	program *vm.Program
}

// matches evaluates the route's filter; routes without a filter always
// match. An expression error skips the route rather than relaying blindly.
func (r *Route) matches(in FilterInput) bool {
	if r.program == nil {
		return true
	}

	env := filterEnv{
		Text:    in.Text,
		Sender:  in.Sender,
		Channel: int(in.Channel),
		DM:      in.DM,
	}
	result, err := expr.Run(r.program, env)
	if err != nil {
		log.Printf("[bridge] route %s/%d filter error: %v", r.Room, r.Channel, err)
		return false
	}
	match, ok := result.(bool)
	return ok && match
}

// RouteTable is the compiled room⇄channel mapping. A room may feed several
// channels and a channel several rooms.
type RouteTable struct {
	routes    []*Route
	byChannel map[uint32][]*Route
	byRoom    map[id.RoomID][]*Route
}

// NewRouteTable compiles the configured routes. Filter expressions are
// compiled once here; a bad expression fails startup.
func NewRouteTable(cfgs []config.RoomRoute) (*RouteTable, error) {
	t := &RouteTable{
		byChannel: make(map[uint32][]*Route),
		byRoom:    make(map[id.RoomID][]*Route),
	}

	for _, cfg := range cfgs {
		route := &Route{
			Room:    id.RoomID(strings.TrimSpace(cfg.ID)),
			Channel: uint32(cfg.MeshtasticChannel),
		}

		if filter := strings.TrimSpace(cfg.Filter); filter != "" {
			program, err := expr.Compile(filter,
				expr.Env(filterEnv{}),
				expr.AsBool(),
			)
			if err != nil {
				return nil, fmt.Errorf("route %s: invalid filter expression: %w", cfg.ID, err)
			}
			route.program = program
		}

		t.routes = append(t.routes, route)
		t.byChannel[route.Channel] = append(t.byChannel[route.Channel], route)
		t.byRoom[route.Room] = append(t.byRoom[route.Room], route)
	}

	return t, nil
}

// RoomResolver resolves a room alias to its canonical room ID.
type RoomResolver interface {
	ResolveRoom(ctx context.Context, room string) (id.RoomID, error)
}

// ResolveRoutes rewrites "#alias:server" route IDs to their "!id:server"
// form at startup. Synced events and joins only ever carry canonical IDs,
// so an unresolved alias route would never match anything.
func ResolveRoutes(ctx context.Context, resolver RoomResolver, cfgs []config.RoomRoute) ([]config.RoomRoute, error) {
	out := make([]config.RoomRoute, len(cfgs))
	copy(out, cfgs)

	for i := range out {
		room := strings.TrimSpace(out[i].ID)
		if !strings.HasPrefix(room, "#") {
			out[i].ID = room
			continue
		}
		resolved, err := resolver.ResolveRoom(ctx, room)
		if err != nil {
			return nil, fmt.Errorf("resolve route room %s: %w", room, err)
		}
		out[i].ID = string(resolved)
	}
	return out, nil
}

// RoomsFor returns the rooms a mesh message on a channel relays into.
func (t *RouteTable) RoomsFor(channel uint32, in FilterInput) []id.RoomID {
	var rooms []id.RoomID
	for _, route := range t.byChannel[channel] {
		if route.matches(in) {
			rooms = append(rooms, route.Room)
		}
	}
	return rooms
}

// ChannelsFor returns the mesh channels a room message relays onto.
func (t *RouteTable) ChannelsFor(room id.RoomID, in FilterInput) []uint32 {
	var channels []uint32
	for _, route := range t.byRoom[room] {
		if route.matches(in) {
			channels = append(channels, route.Channel)
		}
	}
	return channels
}

// AllRooms returns every distinct routed room whose filter accepts the
// message. Direct messages have no channel of their own and fan out here.
func (t *RouteTable) AllRooms(in FilterInput) []id.RoomID {
	seen := make(map[id.RoomID]struct{})
	var rooms []id.RoomID
	for _, route := range t.routes {
		if _, dup := seen[route.Room]; dup {
			continue
		}
		if !route.matches(in) {
			continue
		}
		seen[route.Room] = struct{}{}
		rooms = append(rooms, route.Room)
	}
	return rooms
}

// HasChannel reports whether any route uses the channel.
func (t *RouteTable) HasChannel(channel uint32) bool {
	return len(t.byChannel[channel]) > 0
}

// HasRoom reports whether any route uses the room.
func (t *RouteTable) HasRoom(room id.RoomID) bool {
	return len(t.byRoom[room]) > 0
}

// Rooms returns every distinct routed room, for startup joins.
func (t *RouteTable) Rooms() []id.RoomID {
	seen := make(map[id.RoomID]struct{})
	var rooms []id.RoomID
	for _, route := range t.routes {
		if _, dup := seen[route.Room]; dup {
			continue
		}
		seen[route.Room] = struct{}{}
		rooms = append(rooms, route.Room)
	}
	return rooms
}
