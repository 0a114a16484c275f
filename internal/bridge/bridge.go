// Package bridge is the relay core: it takes decoded mesh packets and
// synced Matrix events, applies the room⇄channel routes, attributes and
// relays text both ways, and keeps the message map current.
package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/store"
)

// RoomSender is the Matrix side the bridge writes to.
type RoomSender interface {
	SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error)
	SendFormatted(ctx context.Context, roomID id.RoomID, body, formatted string) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error)
	UserID() id.UserID
	DisplayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string
	JoinRoom(ctx context.Context, roomID id.RoomID) error
}

// MeshSender is the paced outbound path to the radio.
type MeshSender interface {
	Enqueue(text string, channel uint32, dest uint32) <-chan meshtastic.SendResult
	EnqueueBroadcast(text string, channel uint32) <-chan meshtastic.SendResult
}

// NodeDirectory is the radio's view of the mesh.
type NodeDirectory interface {
	MyNodeNum() uint32
	NodeUser(num uint32) *pb.User
	Nodes() map[uint32]*pb.User
}

// Bridge owns the relay logic between one radio and one Matrix account.
type Bridge struct {
	cfg     *config.Config
	meshnet string

	store   *store.Store
	routes  *RouteTable
	loop    *Loop
	matrix  RoomSender
	mesh    MeshSender
	nodes   NodeDirectory
	plugins *plugin.Registry

	// startAt gates out Matrix events synced from before this run.
	startAt time.Time

	mu        sync.Mutex
	encWarned map[id.RoomID]bool
}

func New(cfg *config.Config, st *store.Store, routes *RouteTable, matrixClient RoomSender, mesh MeshSender, nodes NodeDirectory) *Bridge {
	return &Bridge{
		cfg:       cfg,
		meshnet:   cfg.Meshtastic.MeshnetName,
		store:     st,
		routes:    routes,
		loop:      NewLoop(),
		matrix:    matrixClient,
		mesh:      mesh,
		nodes:     nodes,
		startAt:   time.Now(),
		encWarned: make(map[id.RoomID]bool),
	}
}

// SetPlugins attaches the plugin chain. Must be called before Run.
func (b *Bridge) SetPlugins(r *plugin.Registry) {
	b.plugins = r
}

// Capabilities builds the shared plugin capability set.
func (b *Bridge) Capabilities() plugin.Capabilities {
	return plugin.Capabilities{
		MeshName:       b.meshnet,
		ResponseDelay:  meshtastic.ClampDelay(config.MinMessageDelay),
		SendMesh:       b.mesh.EnqueueBroadcast,
		SendMeshDirect: b.mesh.Enqueue,
		SendRoom: func(ctx context.Context, roomID id.RoomID, text string) error {
			_, err := b.matrix.SendText(ctx, roomID, text)
			return err
		},
		Nodes:    b.nodes.Nodes,
		NodeName: b.senderNameByNum,
	}
}

// Run drives the event loop until the context ends.
func (b *Bridge) Run(ctx context.Context) error {
	log.Printf("[bridge] relaying meshnet %q across %d routes", b.meshnet, len(b.routes.routes))
	return b.loop.Run(ctx)
}

// Stop refuses new work and drains the loop.
func (b *Bridge) Stop() {
	b.loop.Stop()
}

// senderName resolves a mesh node's display name: long name, else short
// name (cached copy first, then the live node table), else a synthesized
// "Node !<hex8>".
func (b *Bridge) senderName(ctx context.Context, num uint32) string {
	nodeID := meshtastic.NodeID(num)
	user := b.nodes.NodeUser(num)

	if name, err := b.store.LongName(ctx, nodeID); err == nil && name != "" {
		return name
	}
	if user != nil && user.GetLongName() != "" {
		return user.GetLongName()
	}
	if name, err := b.store.ShortName(ctx, nodeID); err == nil && name != "" {
		return name
	}
	if user != nil && user.GetShortName() != "" {
		return user.GetShortName()
	}
	return "Node " + nodeID
}

func (b *Bridge) senderNameByNum(num uint32) string {
	return b.senderName(context.Background(), num)
}
