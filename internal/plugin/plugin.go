// Package plugin hosts the relay's message plugins: small handlers that see
// mesh packets and room messages before they are relayed, and may consume
// them (for example to answer a "!nodes" command).
package plugin

import (
	"context"
	"time"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/meshtastic"
)

// Plugin is one handler in the dispatch chain. Handlers return true to
// consume the message (dispatch stops and the bridge does not relay it) or
// false to pass it on. A returned error is logged and treated as
// passthrough so a broken plugin never eats traffic.
type Plugin interface {
	Name() string
	Description() string

	// Priority orders dispatch: lower runs first. Ties break on Name so
	// the chain order is stable across restarts.
	Priority() int

	HandleMeshPacket(ctx context.Context, caps *Capabilities, pkt *meshtastic.Packet) (bool, error)
	HandleRoomMessage(ctx context.Context, caps *Capabilities, evt *event.Event) (bool, error)
}

// DataStore is a plugin's namespaced slice of the persistent store, keyed
// by node ID.
type DataStore interface {
	Set(ctx context.Context, nodeID string, data []byte) error
	Get(ctx context.Context, nodeID string) ([]byte, error)
	All(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}

// Capabilities is what a plugin may do. The registry builds one per plugin
// per dispatch, with Store namespaced to the plugin and ResponseDelay
// already clamped to the firmware floor.
type Capabilities struct {
	// MeshName is this relay's meshnet name, used in attribution.
	MeshName string

	// ResponseDelay is how long a plugin should wait before answering on
	// the mesh, from its response_delay setting.
	ResponseDelay time.Duration

	// SendMesh enqueues a paced broadcast on a mesh channel.
	SendMesh func(text string, channel uint32) <-chan meshtastic.SendResult

	// SendMeshDirect enqueues a paced direct message to one node.
	SendMeshDirect func(text string, channel uint32, dest uint32) <-chan meshtastic.SendResult

	// SendRoom posts a text message to a Matrix room.
	SendRoom func(ctx context.Context, roomID id.RoomID, text string) error

	// Nodes snapshots the radio's node table.
	Nodes func() map[uint32]*pb.User

	// NodeName resolves a node number to its best known long name.
	NodeName func(num uint32) string

	Store DataStore
}
