// Package matrix wraps the mautrix client for the relay: authentication,
// the /sync long-poll loop with reconnect backoff, typed event handler
// registration, and the send helpers the bridge uses.
package matrix

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/config"
)

// Handler receives one parsed room event. Handlers run on the sync
// goroutine, so they must hand off anything slow.
type Handler func(evt *event.Event)

// Client is the relay's Matrix session. It owns the underlying mautrix
// client and keeps the sync loop alive across transient homeserver
// failures.
type Client struct {
	botName string

	mu       sync.RWMutex
	client   *mautrix.Client
	selfUser id.UserID

	onMessage    Handler
	onReaction   Handler
	onMembership Handler
	onEncrypted  Handler
}

// NewClient builds a session from stored credentials. The access token is
// verified lazily by Run's whoami call.
func NewClient(cfg config.MatrixConfig, creds *config.Credentials) (*Client, error) {
	homeserver := strings.TrimSpace(creds.Homeserver)
	if homeserver == "" {
		homeserver = strings.TrimSpace(cfg.Homeserver)
	}
	if homeserver == "" {
		return nil, fmt.Errorf("matrix homeserver URL is required")
	}

	token, err := config.ResolveCredential(creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve matrix access token: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("matrix access token is empty; run `mmrelay auth login`")
	}

	client, err := mautrix.NewClient(homeserver, id.UserID(creds.UserID), token)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if creds.DeviceID != "" {
		client.DeviceID = id.DeviceID(creds.DeviceID)
	}

	return &Client{
		botName: string(client.UserID),
		client:  client,
	}, nil
}

// OnMessage registers the m.room.message handler. Must be called before Run.
func (c *Client) OnMessage(h Handler) { c.onMessage = h }

// OnReaction registers the m.reaction handler.
func (c *Client) OnReaction(h Handler) { c.onReaction = h }

// OnMembership registers the m.room.member handler (invites, joins, leaves).
func (c *Client) OnMembership(h Handler) { c.onMembership = h }

// OnEncrypted registers the handler for m.room.encrypted events that were
// not decrypted. With E2EE enabled these never fire; decrypted events are
// redelivered as regular messages.
func (c *Client) OnEncrypted(h Handler) { c.onEncrypted = h }

// UserID returns our own Matrix user ID, known after Run authenticates.
func (c *Client) UserID() id.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfUser
}

// Mautrix exposes the raw client for the E2EE helper.
func (c *Client) Mautrix() *mautrix.Client {
	return c.client
}

// Run verifies credentials, registers the sync handlers, and keeps the
// /sync loop alive until the context ends. Sync failures back off from one
// second, doubling to a 30-second cap.
func (c *Client) Run(ctx context.Context) error {
	// DefaultSyncer accumulates handlers, so register once for the whole
	// session rather than per reconnect.
	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		c.dispatch(c.onMessage, evt)
	})
	syncer.OnEventType(event.EventReaction, func(_ context.Context, evt *event.Event) {
		c.dispatch(c.onReaction, evt)
	})
	syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
		c.dispatch(c.onMembership, evt)
	})
	syncer.OnEventType(event.EventEncrypted, func(_ context.Context, evt *event.Event) {
		c.dispatch(c.onEncrypted, evt)
	})

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connectAndSync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[matrix:%s] session ended: %v", c.botName, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < 30*time.Second {
			backoff *= 2
		}
		log.Printf("[matrix:%s] reconnecting", c.botName)
	}
}

func (c *Client) connectAndSync(ctx context.Context) error {
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}

	c.mu.Lock()
	c.selfUser = resp.UserID
	c.mu.Unlock()

	log.Printf("[matrix:%s] authenticated (user=%s)", c.botName, resp.UserID)

	syncCtx, syncCancel := context.WithCancel(ctx)
	defer syncCancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.client.SyncWithContext(syncCtx)
	}()

	select {
	case <-ctx.Done():
		syncCancel()
		c.client.StopSync()
		return ctx.Err()
	case syncErr := <-errCh:
		return fmt.Errorf("sync loop: %w", syncErr)
	}
}

func (c *Client) dispatch(h Handler, evt *event.Event) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[matrix:%s] event handler panicked on %s: %v", c.botName, evt.ID, r)
		}
	}()
	h(evt)
}

// JoinRoom accepts an invite (or joins a public room) by ID or alias.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

// ResolveRoom turns a #alias into a room ID; raw !room IDs pass through.
func (c *Client) ResolveRoom(ctx context.Context, room string) (id.RoomID, error) {
	room = strings.TrimSpace(room)
	if strings.HasPrefix(room, "!") {
		return id.RoomID(room), nil
	}
	resp, err := c.client.ResolveAlias(ctx, id.RoomAlias(room))
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", room, err)
	}
	return resp.RoomID, nil
}

// DisplayName returns a user's display name in a room, falling back to the
// localpart of the MXID when no member profile is available.
func (c *Client) DisplayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	var member event.MemberEventContent
	err := c.client.StateEvent(ctx, roomID, event.StateMember, userID.String(), &member)
	if err == nil && strings.TrimSpace(member.Displayname) != "" {
		return member.Displayname
	}
	return Localpart(userID)
}

// Localpart extracts the local part of a Matrix user ID ("@a:hs" -> "a").
func Localpart(userID id.UserID) string {
	s := strings.TrimPrefix(string(userID), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
