package matrix

import (
	"context"
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SendText posts a plain m.text message and returns its event ID.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	return c.sendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
}

// SendFormatted posts an m.text message with both a plain body and an HTML
// rendering. The relay uses this for attributed mesh traffic so clients can
// bold the sender prefix.
func (c *Client) SendFormatted(ctx context.Context, roomID id.RoomID, body, formatted string) (id.EventID, error) {
	return c.sendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	})
}

// SendNotice posts an m.notice, used for automated traffic like detection
// sensor alerts so clients render it dimmed and other bots ignore it.
func (c *Client) SendNotice(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	return c.sendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	})
}

func (c *Client) sendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("matrix send to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

// AttributedBody renders mesh traffic for Matrix: a plain body with the
// sender prefix, and an HTML rendering with the prefix bolded.
func AttributedBody(prefix, text string) (body, formatted string) {
	body = prefix + text
	formatted = "<strong>" + html.EscapeString(strings.TrimSuffix(prefix, " ")) + "</strong> " + html.EscapeString(text)
	return body, formatted
}
