package plugin

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/meshtastic"
)

// Help answers "!help" in a Matrix room with the list of active plugins.
type Help struct {
	// active lists the registered chain; wired to Registry.Active.
	active func() []Plugin
}

func NewHelp(active func() []Plugin) *Help {
	return &Help{active: active}
}

func (*Help) Name() string        { return "help" }
func (*Help) Description() string { return "lists active relay commands" }
func (*Help) Priority() int       { return 1 }

func (*Help) HandleMeshPacket(context.Context, *Capabilities, *meshtastic.Packet) (bool, error) {
	return false, nil
}

func (h *Help) HandleRoomMessage(ctx context.Context, caps *Capabilities, evt *event.Event) (bool, error) {
	if !isCommand(evt, "!help") {
		return false, nil
	}

	var b strings.Builder
	b.WriteString("Active relay plugins:\n")
	for _, p := range h.active() {
		fmt.Fprintf(&b, "  %s: %s\n", p.Name(), p.Description())
	}

	if err := caps.SendRoom(ctx, evt.RoomID, strings.TrimRight(b.String(), "\n")); err != nil {
		return true, fmt.Errorf("send help: %w", err)
	}
	return true, nil
}

// isCommand reports whether a room message is exactly the given command
// (case-insensitive, surrounding whitespace ignored).
func isCommand(evt *event.Event, command string) bool {
	content := evt.Content.AsMessage()
	if content == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(content.Body), command)
}
