package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/store"
)

// HandleMatrixEvent is the Matrix-side entry point for room messages. It
// runs on the sync goroutine; mesh sends go through the paced queue and
// the mapping write happens once the radio accepted the message.
func (b *Bridge) HandleMatrixEvent(evt *event.Event) {
	if !b.wantEvent(evt) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	ctx := context.Background()

	if b.plugins != nil && b.plugins.DispatchRoomMessage(ctx, evt) {
		return
	}

	switch content.MsgType {
	case event.MsgText, event.MsgEmote:
	default:
		// Notices and media stay on the Matrix side; relaying bot notices
		// onto the mesh invites loops.
		return
	}

	if !b.cfg.Meshtastic.Broadcast() {
		return
	}

	content.RemoveReplyFallback()
	text := content.Body
	if text == "" {
		return
	}

	// A body that still carries our own meshnet prefix was relayed from
	// the mesh by us or a sibling relay; sending it back would loop.
	if _, net, _, ok := ParsePrefix(text); ok && net == b.meshnet {
		return
	}

	name := b.matrix.DisplayName(ctx, evt.RoomID, evt.Sender)
	if content.MsgType == event.MsgEmote {
		text = "* " + name + " " + text
	}

	prefix := FormatSenderPrefix(name)
	body := truncateBytes(prefix+text, meshtastic.MaxPayloadBytes)

	// Replies lead with a short quote of the mesh message they answer.
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		if mapping, err := b.store.ByMatrixEventID(ctx, string(replyTo)); err == nil && mapping != nil {
			quoted := fmt.Sprintf("%s%q %s", prefix, truncateBytes(mapping.MeshText, 40), text)
			body = truncateBytes(quoted, meshtastic.MaxPayloadBytes)
		}
	}

	in := FilterInput{Text: text, Sender: string(evt.Sender)}
	for _, channel := range b.routes.ChannelsFor(evt.RoomID, in) {
		b.sendToMesh(ctx, evt, body, channel)
	}
}

// sendToMesh enqueues one paced broadcast and records the message map row
// once the radio assigned a packet ID. Reactions never come through here,
// so every row corresponds to real relayed text.
func (b *Bridge) sendToMesh(ctx context.Context, evt *event.Event, body string, channel uint32) {
	result := b.mesh.EnqueueBroadcast(body, channel)

	go func() {
		r := <-result
		if r.Err != nil {
			log.Printf("[bridge] relay %s to channel %d: %v", evt.ID, channel, r.Err)
			return
		}

		mapping := store.Mapping{
			MatrixEventID: string(evt.ID),
			MeshID:        fmt.Sprintf("%d", r.MeshID),
			RoomID:        string(evt.RoomID),
			MeshText:      body,
			Meshnet:       b.meshnet,
		}
		if err := b.store.StoreMapping(ctx, mapping); err != nil {
			log.Printf("[bridge] store mapping for %s: %v", evt.ID, err)
		}
	}()
}

// HandleReaction relays reactions to previously relayed messages as a
// short mesh summary. Reactions never create message-map rows.
func (b *Bridge) HandleReaction(evt *event.Event) {
	if !b.wantEvent(evt) {
		return
	}
	if !b.cfg.Meshtastic.Broadcast() {
		return
	}

	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || content.RelatesTo.Type != event.RelAnnotation {
		return
	}

	ctx := context.Background()

	mapping, err := b.store.ByMatrixEventID(ctx, string(content.RelatesTo.EventID))
	if err != nil || mapping == nil {
		return
	}

	name := b.matrix.DisplayName(ctx, evt.RoomID, evt.Sender)
	body := fmt.Sprintf("%s reacted %s to: %s",
		name, content.RelatesTo.Key, truncateBytes(mapping.MeshText, 40))
	body = truncateBytes(body, meshtastic.MaxPayloadBytes)

	in := FilterInput{Text: content.RelatesTo.Key, Sender: string(evt.Sender)}
	for _, channel := range b.routes.ChannelsFor(evt.RoomID, in) {
		b.mesh.EnqueueBroadcast(body, channel)
	}
}

// HandleMembership auto-joins rooms the relay account is invited to, but
// only rooms that appear in the route table.
func (b *Bridge) HandleMembership(evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != string(b.matrix.UserID()) {
		return
	}
	if !b.routes.HasRoom(evt.RoomID) {
		log.Printf("[bridge] ignoring invite to unrouted room %s", evt.RoomID)
		return
	}

	if err := b.matrix.JoinRoom(context.Background(), evt.RoomID); err != nil {
		log.Printf("[bridge] join %s: %v", evt.RoomID, err)
		return
	}
	log.Printf("[bridge] joined %s on invite", evt.RoomID)
}

// HandleEncrypted fires for m.room.encrypted events that were not
// decrypted (E2EE disabled or missing keys). They are dropped with one
// warning per room.
func (b *Bridge) HandleEncrypted(evt *event.Event) {
	if !b.routes.HasRoom(evt.RoomID) {
		return
	}

	b.mu.Lock()
	warned := b.encWarned[evt.RoomID]
	b.encWarned[evt.RoomID] = true
	b.mu.Unlock()

	if !warned {
		log.Printf("[bridge] room %s sends encrypted events the relay cannot read; enable e2ee in the config", evt.RoomID)
	}
}

// wantEvent applies the shared Matrix-side gates: not our own events, only
// routed rooms, and nothing from before this process started.
func (b *Bridge) wantEvent(evt *event.Event) bool {
	if evt.Sender == b.matrix.UserID() {
		return false
	}
	if !b.routes.HasRoom(evt.RoomID) {
		return false
	}
	if time.UnixMilli(evt.Timestamp).Before(b.startAt) {
		return false
	}
	return true
}

// JoinRoutedRooms joins every configured room at startup so history and
// membership are in place before relaying begins.
func (b *Bridge) JoinRoutedRooms(ctx context.Context) {
	for _, room := range b.routes.Rooms() {
		if err := b.matrix.JoinRoom(ctx, room); err != nil {
			log.Printf("[bridge] join %s: %v", room, err)
		}
	}
}
