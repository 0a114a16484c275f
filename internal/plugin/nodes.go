package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/meshtastic"
)

// Nodes answers "!nodes" in a Matrix room with the radio's node table.
type Nodes struct{}

func (Nodes) Name() string        { return "nodes" }
func (Nodes) Description() string { return "lists nodes known to the radio" }
func (Nodes) Priority() int       { return 20 }

func (Nodes) HandleMeshPacket(context.Context, *Capabilities, *meshtastic.Packet) (bool, error) {
	return false, nil
}

func (Nodes) HandleRoomMessage(ctx context.Context, caps *Capabilities, evt *event.Event) (bool, error) {
	if !isCommand(evt, "!nodes") {
		return false, nil
	}

	table := caps.Nodes()
	if len(table) == 0 {
		if err := caps.SendRoom(ctx, evt.RoomID, "No mesh nodes known yet."); err != nil {
			return true, fmt.Errorf("send nodes: %w", err)
		}
		return true, nil
	}

	nums := make([]uint32, 0, len(table))
	for num := range table {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "%d mesh nodes:\n", len(nums))
	for _, num := range nums {
		user := table[num]
		long := user.GetLongName()
		if long == "" {
			long = meshtastic.NodeID(num)
		}
		short := user.GetShortName()
		if short != "" {
			fmt.Fprintf(&b, "  %s (%s) %s\n", long, short, meshtastic.NodeID(num))
		} else {
			fmt.Fprintf(&b, "  %s %s\n", long, meshtastic.NodeID(num))
		}
	}

	if err := caps.SendRoom(ctx, evt.RoomID, strings.TrimRight(b.String(), "\n")); err != nil {
		return true, fmt.Errorf("send nodes: %w", err)
	}
	return true, nil
}
