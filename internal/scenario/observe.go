package scenario

import (
	"fmt"
	"strings"

	"github.com/torosent/relaycheck/internal/chatapi"
	"github.com/torosent/relaycheck/internal/poll"
	"github.com/torosent/relaycheck/internal/stream"
)

// tailLen bounds how many inbox events or history messages a timeout
// observation lists.
const tailLen = 5

// inboxTail renders the newest events of an inbox as "sender: text".
func inboxTail(in *stream.Inbox) string {
	events := in.Snapshot()
	lines := make([]string, len(events))
	for i, ev := range events {
		lines[i] = ev.Sender + ": " + ev.Text
	}
	return tail(lines)
}

// historyTail renders the newest messages of a history page as "source: text".
func historyTail(msgs []chatapi.Message) string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = m.Source + ": " + m.Text
	}
	return tail(lines)
}

func tail(lines []string) string {
	if len(lines) == 0 {
		return "[]"
	}
	skipped := 0
	if len(lines) > tailLen {
		skipped = len(lines) - tailLen
		lines = lines[skipped:]
	}
	out := "[" + strings.Join(lines, " | ") + "]"
	if skipped > 0 {
		out = fmt.Sprintf("%d earlier, then %s", skipped, out)
	}
	return out
}

// streamDead aborts a poll when a watched client's receive loop has failed;
// its inbox will never grow again.
func streamDead(c *stream.Client) error {
	if err := c.Err(); err != nil {
		return poll.Abort(fmt.Errorf("%s stream ended: %w", c.Identity().Name, err))
	}
	return nil
}
