package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	pb "github.com/rabarar/meshtastic"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/store"
)

type fakePlugin struct {
	name     string
	priority int
	consume  bool
	err      error
	calls    *[]string
}

func (f *fakePlugin) Name() string        { return f.name }
func (f *fakePlugin) Description() string { return "test plugin" }
func (f *fakePlugin) Priority() int       { return f.priority }

func (f *fakePlugin) HandleMeshPacket(context.Context, *Capabilities, *meshtastic.Packet) (bool, error) {
	*f.calls = append(*f.calls, f.name)
	return f.consume, f.err
}

func (f *fakePlugin) HandleRoomMessage(context.Context, *Capabilities, *event.Event) (bool, error) {
	*f.calls = append(*f.calls, f.name)
	return f.consume, f.err
}

func activeSettings(names ...string) config.PluginMap {
	m := make(config.PluginMap)
	for _, name := range names {
		m[name] = config.PluginSettings{Active: true}
	}
	return m
}

func textPacket(text string, channel uint32, from, to uint32) *meshtastic.Packet {
	return &meshtastic.Packet{
		From: from, To: to, Channel: channel,
		PortNum: pb.PortNum_TEXT_MESSAGE_APP,
		Text:    text,
	}
}

func roomMessage(body string) *event.Event {
	evt := &event.Event{
		RoomID: id.RoomID("!room:example.org"),
		Sender: id.UserID("@alice:example.org"),
	}
	evt.Content.Parsed = &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	return evt
}

func TestDispatchOrderAndConsumption(t *testing.T) {
	var calls []string
	r := NewRegistry(activeSettings("alpha", "beta", "gamma"), nil, Capabilities{})

	// Register out of order; dispatch must run by (priority, name).
	r.Register(&fakePlugin{name: "gamma", priority: 5, calls: &calls})
	r.Register(&fakePlugin{name: "beta", priority: 1, consume: true, calls: &calls})
	r.Register(&fakePlugin{name: "alpha", priority: 1, calls: &calls})

	consumed := r.DispatchMeshPacket(context.Background(), textPacket("x", 0, 1, meshtastic.BroadcastAddr))
	if !consumed {
		t.Fatal("beta should have consumed the packet")
	}
	if len(calls) != 2 || calls[0] != "alpha" || calls[1] != "beta" {
		t.Errorf("call order %v, want [alpha beta]", calls)
	}
}

func TestDispatchInactiveSkipped(t *testing.T) {
	var calls []string
	r := NewRegistry(activeSettings("on"), nil, Capabilities{})
	r.Register(&fakePlugin{name: "on", priority: 1, calls: &calls})
	r.Register(&fakePlugin{name: "off", priority: 0, consume: true, calls: &calls})

	r.DispatchMeshPacket(context.Background(), textPacket("x", 0, 1, meshtastic.BroadcastAddr))
	if len(calls) != 1 || calls[0] != "on" {
		t.Errorf("calls = %v, want [on]", calls)
	}
}

func TestDispatchErrorIsPassthrough(t *testing.T) {
	var calls []string
	r := NewRegistry(activeSettings("broken", "working"), nil, Capabilities{})
	r.Register(&fakePlugin{name: "broken", priority: 1, consume: true, err: errors.New("boom"), calls: &calls})
	r.Register(&fakePlugin{name: "working", priority: 2, consume: true, calls: &calls})

	consumed := r.DispatchRoomMessage(context.Background(), roomMessage("hi"))
	if !consumed {
		t.Fatal("working plugin should have consumed")
	}
	if len(calls) != 2 {
		t.Errorf("broken plugin error must not stop the chain: %v", calls)
	}
}

func TestDispatchChannelGating(t *testing.T) {
	var calls []string
	settings := config.PluginMap{
		"gated": {Active: true, Channels: []int{2, 3}},
	}
	r := NewRegistry(settings, nil, Capabilities{})
	r.Register(&fakePlugin{name: "gated", priority: 1, consume: true, calls: &calls})

	if r.DispatchMeshPacket(context.Background(), textPacket("x", 0, 1, meshtastic.BroadcastAddr)) {
		t.Error("channel 0 should not reach a plugin gated to 2,3")
	}
	if !r.DispatchMeshPacket(context.Background(), textPacket("x", 3, 1, meshtastic.BroadcastAddr)) {
		t.Error("channel 3 should reach the gated plugin")
	}
}

func TestPingRepliesOnChannel(t *testing.T) {
	var sentText string
	var sentChannel uint32
	caps := &Capabilities{
		SendMesh: func(text string, channel uint32) <-chan meshtastic.SendResult {
			sentText, sentChannel = text, channel
			ch := make(chan meshtastic.SendResult, 1)
			ch <- meshtastic.SendResult{MeshID: 1}
			return ch
		},
	}

	consumed, err := Ping{}.HandleMeshPacket(context.Background(), caps,
		textPacket("Ping!", 2, 7, meshtastic.BroadcastAddr))
	if err != nil || !consumed {
		t.Fatalf("consumed=%v err=%v", consumed, err)
	}
	if sentText != "pong" || sentChannel != 2 {
		t.Errorf("sent %q on channel %d", sentText, sentChannel)
	}
}

func TestPingDirectReply(t *testing.T) {
	var sentDest uint32
	caps := &Capabilities{
		SendMeshDirect: func(text string, channel uint32, dest uint32) <-chan meshtastic.SendResult {
			sentDest = dest
			ch := make(chan meshtastic.SendResult, 1)
			ch <- meshtastic.SendResult{MeshID: 1}
			return ch
		},
	}

	consumed, err := Ping{}.HandleMeshPacket(context.Background(), caps,
		textPacket("ping", 0, 7, 99))
	if err != nil || !consumed {
		t.Fatalf("consumed=%v err=%v", consumed, err)
	}
	if sentDest != 7 {
		t.Errorf("pong went to %d, want the pinger", sentDest)
	}
}

func TestPingIgnoresOtherText(t *testing.T) {
	consumed, err := Ping{}.HandleMeshPacket(context.Background(), &Capabilities{},
		textPacket("pinging you", 0, 7, meshtastic.BroadcastAddr))
	if err != nil || consumed {
		t.Fatalf("non-ping text must pass through, consumed=%v err=%v", consumed, err)
	}
}

func TestHelpListsPlugins(t *testing.T) {
	var sent string
	caps := &Capabilities{
		SendRoom: func(_ context.Context, _ id.RoomID, text string) error {
			sent = text
			return nil
		},
	}
	help := NewHelp(func() []Plugin { return []Plugin{Ping{}, Nodes{}} })

	consumed, err := help.HandleRoomMessage(context.Background(), caps, roomMessage("  !HELP "))
	if err != nil || !consumed {
		t.Fatalf("consumed=%v err=%v", consumed, err)
	}
	for _, want := range []string{"ping", "nodes"} {
		if !contains(sent, want) {
			t.Errorf("help output missing %q:\n%s", want, sent)
		}
	}

	if consumed, _ := help.HandleRoomMessage(context.Background(), caps, roomMessage("!helpme")); consumed {
		t.Error("!helpme is not the help command")
	}
}

func TestNodesListsTable(t *testing.T) {
	var sent string
	caps := &Capabilities{
		Nodes: func() map[uint32]*pb.User {
			return map[uint32]*pb.User{
				0xAABBCCDD: {LongName: "Remote One", ShortName: "REM1"},
			}
		},
		SendRoom: func(_ context.Context, _ id.RoomID, text string) error {
			sent = text
			return nil
		},
	}

	consumed, err := Nodes{}.HandleRoomMessage(context.Background(), caps, roomMessage("!nodes"))
	if err != nil || !consumed {
		t.Fatalf("consumed=%v err=%v", consumed, err)
	}
	if !contains(sent, "Remote One") || !contains(sent, "!aabbccdd") {
		t.Errorf("nodes output: %s", sent)
	}
}

func TestTelemetryStoresAndReports(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.sqlite"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	settings := config.PluginMap{"telemetry": {Active: true}}
	r := NewRegistry(settings, st, Capabilities{})
	r.Register(Telemetry{})

	battery := uint32(87)
	voltage := float32(3.92)
	pkt := &meshtastic.Packet{
		From: 0xAABBCCDD, To: meshtastic.BroadcastAddr,
		PortNum: pb.PortNum_TELEMETRY_APP,
		Telemetry: &pb.Telemetry{
			Variant: &pb.Telemetry_DeviceMetrics{
				DeviceMetrics: &pb.DeviceMetrics{
					BatteryLevel: &battery,
					Voltage:      &voltage,
				},
			},
		},
	}
	if !r.DispatchMeshPacket(context.Background(), pkt) {
		t.Fatal("telemetry packet should be consumed")
	}

	var sent string
	r.base.SendRoom = func(_ context.Context, _ id.RoomID, text string) error {
		sent = text
		return nil
	}
	if !r.DispatchRoomMessage(context.Background(), roomMessage("!batt")) {
		t.Fatal("!batt should be consumed")
	}
	if !contains(sent, "!aabbccdd") || !contains(sent, "87") {
		t.Errorf("telemetry report: %s", sent)
	}
}

func TestResponseDelayClamped(t *testing.T) {
	settings := config.PluginMap{
		"ping": {Active: true, Extra: map[string]any{"response_delay": 0.9}},
	}
	r := NewRegistry(settings, nil, Capabilities{})
	r.Register(Ping{})

	caps := r.capsFor(Ping{})
	if caps.ResponseDelay.Seconds() < config.MinMessageDelay {
		t.Errorf("response delay %s not clamped to floor", caps.ResponseDelay)
	}
}

func TestResponseDelayDefaultsToFloor(t *testing.T) {
	settings := config.PluginMap{
		"ping": {Active: true},
	}
	r := NewRegistry(settings, nil, Capabilities{})
	r.Register(Ping{})

	// Plugins without an explicit response_delay still pace their sends.
	caps := r.capsFor(Ping{})
	if caps.ResponseDelay.Seconds() < config.MinMessageDelay {
		t.Errorf("default response delay %s below floor", caps.ResponseDelay)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
