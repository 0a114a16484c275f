package bridge

import (
	"context"
	"fmt"
	"log"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/matrix"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/store"
)

// pluginPorts are the payload types offered to the plugin chain.
var pluginPorts = map[pb.PortNum]bool{
	pb.PortNum_TEXT_MESSAGE_APP:     true,
	pb.PortNum_DETECTION_SENSOR_APP: true,
	pb.PortNum_TELEMETRY_APP:        true,
	pb.PortNum_POSITION_APP:         true,
	pb.PortNum_NODEINFO_APP:         true,
}

// HandleMeshPacket is the radio-side entry point. It runs on the radio
// read goroutine, so everything Matrix-bound is submitted to the loop.
func (b *Bridge) HandleMeshPacket(pkt *meshtastic.Packet) {
	if pkt.From == b.nodes.MyNodeNum() {
		return
	}

	ctx := context.Background()

	if pkt.PortNum == pb.PortNum_NODEINFO_APP && pkt.User != nil {
		if err := b.store.UpsertNodeNames(ctx, pkt.FromID(), pkt.User.GetLongName(), pkt.User.GetShortName()); err != nil {
			log.Printf("[bridge] cache names for %s: %v", pkt.FromID(), err)
		}
	}

	if b.plugins != nil && pluginPorts[pkt.PortNum] {
		if b.plugins.DispatchMeshPacket(ctx, pkt) {
			return
		}
	}

	switch pkt.PortNum {
	case pb.PortNum_TEXT_MESSAGE_APP:
		b.relayMeshText(ctx, pkt)
	case pb.PortNum_DETECTION_SENSOR_APP:
		b.relayDetection(ctx, pkt)
	}
}

func (b *Bridge) relayMeshText(ctx context.Context, pkt *meshtastic.Packet) {
	if pkt.Text == "" {
		return
	}

	isDM := !pkt.IsBroadcast() && pkt.IsDirect(b.nodes.MyNodeNum())
	if !isDM && !b.routes.HasChannel(pkt.Channel) {
		return
	}

	prefix := FormatPrefix(b.senderName(ctx, pkt.From), b.meshnet)
	text := pkt.Text

	// Text already attributed by another relay keeps its original prefix
	// instead of being wrapped again. Our own meshnet name coming back at
	// us is an echo loop and is dropped.
	if pName, pNet, pRest, ok := ParsePrefix(pkt.Text); ok {
		if pNet == b.meshnet {
			log.Printf("[bridge] dropping looped mesh text from %s", pkt.FromID())
			return
		}
		prefix = FormatPrefix(pName, pNet)
		text = pRest
	}
	in := FilterInput{Text: pkt.Text, Sender: pkt.FromID(), Channel: pkt.Channel, DM: isDM}

	// A direct message carries no channel routing of its own; it is
	// delivered to every mapped room.
	rooms := b.routes.RoomsFor(pkt.Channel, in)
	if isDM {
		rooms = b.routes.AllRooms(in)
	}
	for _, room := range rooms {
		b.submitRoomSend(room, pkt, prefix, text)
	}
}

func (b *Bridge) submitRoomSend(room id.RoomID, pkt *meshtastic.Packet, prefix, text string) {
	b.loop.Submit(func(ctx context.Context) error {
		body, formatted := matrix.AttributedBody(prefix, text)
		eventID, err := b.matrix.SendFormatted(ctx, room, body, formatted)
		if err != nil {
			return fmt.Errorf("relay mesh %d to %s: %w", pkt.ID, room, err)
		}

		mapping := store.Mapping{
			MatrixEventID: string(eventID),
			MeshID:        fmt.Sprintf("%d", pkt.ID),
			RoomID:        string(room),
			MeshText:      pkt.Text,
			Meshnet:       b.meshnet,
		}
		if err := b.store.StoreMapping(ctx, mapping); err != nil {
			log.Printf("[bridge] store mapping for %s: %v", eventID, err)
		}
		return nil
	})
}

// relayDetection forwards detection sensor alerts as Matrix notices when
// the feature is enabled.
func (b *Bridge) relayDetection(ctx context.Context, pkt *meshtastic.Packet) {
	if !b.cfg.Meshtastic.DetectionSensor || pkt.Text == "" {
		return
	}
	if !b.routes.HasChannel(pkt.Channel) {
		return
	}

	name := b.senderName(ctx, pkt.From)
	body := FormatPrefix(name, b.meshnet) + pkt.Text
	in := FilterInput{Text: pkt.Text, Sender: pkt.FromID(), Channel: pkt.Channel}

	for _, room := range b.routes.RoomsFor(pkt.Channel, in) {
		b.loop.Submit(func(ctx context.Context) error {
			if _, err := b.matrix.SendNotice(ctx, room, body); err != nil {
				return fmt.Errorf("relay detection to %s: %w", room, err)
			}
			return nil
		})
	}
}

// RefreshNodeNames persists the radio's current node table, called after
// every (re)connect so names survive restarts.
func (b *Bridge) RefreshNodeNames(ctx context.Context) {
	for num, user := range b.nodes.Nodes() {
		if err := b.store.UpsertNodeNames(ctx, meshtastic.NodeID(num), user.GetLongName(), user.GetShortName()); err != nil {
			log.Printf("[bridge] cache names for %s: %v", meshtastic.NodeID(num), err)
			return
		}
	}
}
