package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/meshtastic"
)

// Telemetry records device metrics broadcast on the mesh and answers
// "!batt" in a Matrix room with the latest reading per node.
type Telemetry struct{}

type deviceReading struct {
	Battery     uint32  `json:"battery"`
	Voltage     float32 `json:"voltage"`
	ChannelUtil float32 `json:"channel_util"`
	AirUtilTx   float32 `json:"air_util_tx"`
	Time        uint32  `json:"time"`
}

func (Telemetry) Name() string        { return "telemetry" }
func (Telemetry) Description() string { return "tracks node battery and utilization readings" }
func (Telemetry) Priority() int       { return 30 }

func (Telemetry) HandleMeshPacket(ctx context.Context, caps *Capabilities, pkt *meshtastic.Packet) (bool, error) {
	if pkt.PortNum != pb.PortNum_TELEMETRY_APP || pkt.Telemetry == nil {
		return false, nil
	}

	metrics := pkt.Telemetry.GetDeviceMetrics()
	if metrics == nil {
		// Environment and power telemetry variants are not tracked.
		return true, nil
	}

	reading := deviceReading{
		Battery:     metrics.GetBatteryLevel(),
		Voltage:     metrics.GetVoltage(),
		ChannelUtil: metrics.GetChannelUtilization(),
		AirUtilTx:   metrics.GetAirUtilTx(),
		Time:        pkt.Telemetry.GetTime(),
	}

	data, err := json.Marshal(reading)
	if err != nil {
		return true, fmt.Errorf("encode reading: %w", err)
	}
	if err := caps.Store.Set(ctx, pkt.FromID(), data); err != nil {
		return true, fmt.Errorf("store reading for %s: %w", pkt.FromID(), err)
	}
	return true, nil
}

func (Telemetry) HandleRoomMessage(ctx context.Context, caps *Capabilities, evt *event.Event) (bool, error) {
	if !isCommand(evt, "!batt") {
		return false, nil
	}

	all, err := caps.Store.All(ctx)
	if err != nil {
		return true, fmt.Errorf("load readings: %w", err)
	}
	if len(all) == 0 {
		if err := caps.SendRoom(ctx, evt.RoomID, "No telemetry received yet."); err != nil {
			return true, fmt.Errorf("send telemetry: %w", err)
		}
		return true, nil
	}

	nodeIDs := make([]string, 0, len(all))
	for nodeID := range all {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	var b strings.Builder
	b.WriteString("Latest device telemetry:\n")
	for _, nodeID := range nodeIDs {
		var reading deviceReading
		if err := json.Unmarshal(all[nodeID], &reading); err != nil {
			continue
		}
		fmt.Fprintf(&b, "  %s: battery %d%%, %.2fV, ch util %.1f%%\n",
			nodeID, reading.Battery, reading.Voltage, reading.ChannelUtil)
	}

	if err := caps.SendRoom(ctx, evt.RoomID, strings.TrimRight(b.String(), "\n")); err != nil {
		return true, fmt.Errorf("send telemetry: %w", err)
	}
	return true, nil
}
