// Package meshtastic talks to a Meshtastic node over serial, TCP, or BLE.
// It owns transport selection, the stream framing codec, the reconnect
// engine, the in-memory node table, and the paced outbound send queue.
package meshtastic

import (
	"fmt"
	"time"

	pb "github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"
)

const (
	// BroadcastAddr is the destination sentinel for channel broadcasts.
	BroadcastAddr uint32 = 0xFFFFFFFF

	// MaxPayloadBytes is the soft firmware limit for one text payload.
	// Longer outbound text is truncated with an ellipsis by the bridge.
	MaxPayloadBytes = 200
)

// NodeID renders a node number the way the mesh ecosystem does: "!<hex8>".
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// Packet is the decoded view of one inbound mesh packet handed to the
// bridge and to plugins. Exactly one of Text/User/Telemetry/Position is set
// depending on PortNum; Payload always carries the raw decoded bytes.
type Packet struct {
	From    uint32
	To      uint32
	Channel uint32
	ID      uint32
	PortNum pb.PortNum
	Payload []byte
	RxTime  time.Time

	Text      string
	User      *pb.User
	Telemetry *pb.Telemetry
	Position  *pb.Position
}

// FromID returns the sender's "!<hex8>" node ID.
func (p *Packet) FromID() string {
	return NodeID(p.From)
}

// IsBroadcast reports whether the packet was sent to the broadcast address.
func (p *Packet) IsBroadcast() bool {
	return p.To == BroadcastAddr
}

// IsDirect reports whether the packet addresses the given node directly.
func (p *Packet) IsDirect(myNodeNum uint32) bool {
	return p.To == myNodeNum
}

// decodePacket converts a decoded MeshPacket into the bridge's view.
// Packets that are still encrypted (no decoded variant) return nil.
func decodePacket(mp *pb.MeshPacket) (*Packet, error) {
	data := mp.GetDecoded()
	if data == nil {
		return nil, nil
	}

	p := &Packet{
		From:    mp.GetFrom(),
		To:      mp.GetTo(),
		Channel: mp.GetChannel(),
		ID:      mp.GetId(),
		PortNum: data.GetPortnum(),
		Payload: data.GetPayload(),
		RxTime:  time.Unix(int64(mp.GetRxTime()), 0),
	}

	switch data.GetPortnum() {
	case pb.PortNum_TEXT_MESSAGE_APP, pb.PortNum_DETECTION_SENSOR_APP:
		p.Text = string(data.GetPayload())
	case pb.PortNum_NODEINFO_APP:
		var user pb.User
		if err := proto.Unmarshal(data.GetPayload(), &user); err != nil {
			return nil, fmt.Errorf("decode user payload: %w", err)
		}
		p.User = &user
	case pb.PortNum_TELEMETRY_APP:
		var telemetry pb.Telemetry
		if err := proto.Unmarshal(data.GetPayload(), &telemetry); err != nil {
			return nil, fmt.Errorf("decode telemetry payload: %w", err)
		}
		p.Telemetry = &telemetry
	case pb.PortNum_POSITION_APP:
		var position pb.Position
		if err := proto.Unmarshal(data.GetPayload(), &position); err != nil {
			return nil, fmt.Errorf("decode position payload: %w", err)
		}
		p.Position = &position
	}

	return p, nil
}
