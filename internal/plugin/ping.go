package plugin

import (
	"context"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/meshtastic"
)

// Ping answers "ping" text packets on the mesh with "pong", the standard
// radio range check. Direct pings get a direct pong; channel pings get a
// channel pong.
type Ping struct{}

func (Ping) Name() string        { return "ping" }
func (Ping) Description() string { return "responds to mesh pings with pong" }
func (Ping) Priority() int       { return 10 }

func (Ping) HandleMeshPacket(ctx context.Context, caps *Capabilities, pkt *meshtastic.Packet) (bool, error) {
	text := strings.ToLower(strings.TrimRight(strings.TrimSpace(pkt.Text), "!?."))
	if text != "ping" {
		return false, nil
	}

	if caps.ResponseDelay > 0 {
		select {
		case <-time.After(caps.ResponseDelay):
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	if pkt.IsBroadcast() {
		caps.SendMesh("pong", pkt.Channel)
	} else {
		caps.SendMeshDirect("pong", pkt.Channel, pkt.From)
	}
	return true, nil
}

func (Ping) HandleRoomMessage(context.Context, *Capabilities, *event.Event) (bool, error) {
	return false, nil
}
