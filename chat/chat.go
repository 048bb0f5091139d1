// Package chat is the Twitch IRC transport for the dispatch engine, built on
// gempir/go-twitch-irc. Each Dial gets its own client joined to a single
// channel so per-channel workers keep independent connection lifecycles.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streambot/dispatch"
)

// connectTimeout bounds how long Dial waits for the IRC handshake.
const connectTimeout = 15 * time.Second

// IRCTransport dials Twitch chat as the bot account.
type IRCTransport struct {
	BotUsername string
}

// NewIRCTransport creates a transport for the given bot login.
func NewIRCTransport(botUsername string) *IRCTransport {
	return &IRCTransport{BotUsername: botUsername}
}

type ircConn struct {
	client  *twitch.Client
	channel string

	done     chan struct{}
	doneOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial connects, joins the channel, and delivers its messages to onEvent.
// The returned Conn's Done channel closes when the connection drops.
func (t *IRCTransport) Dial(ctx context.Context, accessToken, channelName string, onEvent func(dispatch.Event)) (dispatch.Conn, error) {
	client := twitch.NewClient(t.BotUsername, "oauth:"+accessToken)
	c := &ircConn{client: client, channel: channelName, done: make(chan struct{})}

	connected := make(chan struct{})
	var connectedOnce sync.Once
	client.OnConnect(func() {
		connectedOnce.Do(func() { close(connected) })
	})

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		onEvent(dispatch.Event{
			ChannelID:   msg.RoomID,
			ChannelName: msg.Channel,
			UserID:      msg.User.ID,
			UserName:    msg.User.DisplayName,
			Message:     msg.Message,
			Moderator:   msg.User.Badges["moderator"] > 0,
			Subscriber:  msg.User.Badges["subscriber"] > 0 || msg.User.Badges["founder"] > 0,
			Broadcaster: msg.User.Badges["broadcaster"] > 0,
			At:          msg.Time,
		})
	})

	client.Join(channelName)
	go func() {
		err := client.Connect()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.doneOnce.Do(func() { close(c.done) })
	}()

	select {
	case <-connected:
		slog.Debug("joined channel", slog.String("channel", channelName))
		return c, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("chat connect: %w", err)
		}
		return nil, fmt.Errorf("chat connect: connection closed during handshake")
	case <-ctx.Done():
		_ = client.Disconnect()
		return nil, ctx.Err()
	case <-time.After(connectTimeout):
		_ = client.Disconnect()
		return nil, fmt.Errorf("chat connect: handshake timeout after %s", connectTimeout)
	}
}

// Say sends a message to the joined channel.
func (c *ircConn) Say(ctx context.Context, message string) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.client.Say(c.channel, message)
	return nil
}

// Done is closed when the underlying connection ends.
func (c *ircConn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended (nil for a clean disconnect).
func (c *ircConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == twitch.ErrClientDisconnected {
		return nil
	}
	return c.err
}

// Close disconnects the client.
func (c *ircConn) Close() error {
	return c.client.Disconnect()
}
