package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// stdioSession is the single session behind the stdin/stdout channel.
type stdioSession struct {
	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool
}

var _ mcpserver.ClientSession = (*stdioSession)(nil)

func (s *stdioSession) SessionID() string { return "stdio" }
func (s *stdioSession) Initialize()       { s.initialized.Store(true) }
func (s *stdioSession) Initialized() bool { return s.initialized.Load() }
func (s *stdioSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

// ServeStdio runs the line-oriented transport: one request per input line,
// exactly one response written before the next line is read. Processing is
// strictly sequential, so a slow tool call blocks the channel and responses
// can never overtake each other. A malformed line earns an error response on
// the same channel and the loop keeps reading; only input closure ends the
// session.
func (b *Bridge) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	sess := &stdioSession{notifications: make(chan mcp.JSONRPCNotification, 16)}
	if err := b.mcpServer.RegisterSession(ctx, sess); err != nil {
		return fmt.Errorf("register stdio session: %w", err)
	}
	defer b.mcpServer.UnregisterSession(ctx, sess.SessionID())
	ctx = b.mcpServer.WithContext(ctx, sess)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	w := bufio.NewWriter(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		resp := b.mcpServer.HandleMessage(ctx, json.RawMessage(raw))
		if resp == nil {
			// Notification: nothing to write back.
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			b.logger.Error().Str("error", err.Error()).Msg("cannot serialize response")
			continue
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush response: %w", err)
		}
	}
	return scanner.Err()
}
