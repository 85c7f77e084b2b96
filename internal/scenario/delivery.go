package scenario

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/chatapi"
	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/poll"
	"github.com/torosent/relaycheck/internal/pool"
	"github.com/torosent/relaycheck/internal/stream"
	"github.com/torosent/relaycheck/internal/transport"
)

// reactionThumbsUp is the reaction code sent by the receipts phase.
const reactionThumbsUp = 1

func (o *Orchestrator) p2p(ctx context.Context, p config.PhaseConfig, _ *Report) (string, error) {
	from, err := o.identity(p.From)
	if err != nil {
		return "", err
	}
	to, err := o.identity(p.To)
	if err != nil {
		return "", err
	}
	f, err := o.streams()
	if err != nil {
		return "", err
	}
	text := o.render(p.Text, p, from.Name)

	conv := ""
	switch p.Mode {
	case config.P2PModeStream:
		c, ok := f.Client(from.Name)
		if !ok {
			return "", fmt.Errorf("%s has no stream client", from.Name)
		}
		err = o.call(ctx, "send_private", from.Name, func(ctx context.Context) error {
			return c.SendPrivate(ctx, to.Name, text)
		})
	default:
		conv, err = o.createConversation(ctx, from, []auth.Identity{to}, "p2p "+o.runID)
		if err == nil {
			err = o.post(ctx, from, conv, text)
		}
	}
	if err != nil {
		return "", err
	}

	if err := o.awaitDelivery(ctx, p, text, []auth.Identity{to}); err != nil {
		return "", err
	}
	if err := o.assertNoStrayDelivery(ctx, p, text, from, except(o.Identities(), from, to)); err != nil {
		return "", err
	}
	if conv == "" {
		return fmt.Sprintf("%s -> %s over stream", from.Name, to.Name), nil
	}
	if err := o.awaitHistory(ctx, p, from, conv, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s -> %s in %s", from.Name, to.Name, conv), nil
}

func (o *Orchestrator) group(ctx context.Context, p config.PhaseConfig, _ *Report) (string, error) {
	members, err := o.members(p.Members)
	if err != nil {
		return "", err
	}
	if len(members) < 2 {
		return "", fmt.Errorf("a group needs at least 2 members, have %d", len(members))
	}
	sender, err := o.identity(p.Sender)
	if err != nil {
		return "", err
	}
	if !containsIdentity(members, sender) {
		return "", fmt.Errorf("sender %s is not a member", sender.Name)
	}
	if _, err := o.streams(); err != nil {
		return "", err
	}

	creator := members[0]
	conv, err := o.createConversation(ctx, creator, except(members, creator), "group "+o.runID)
	if err != nil {
		return "", err
	}
	outsiders := except(o.Identities(), members...)
	if err := o.checkMembership(ctx, conv, creator, members, outsiders); err != nil {
		return "", err
	}
	text := o.render(p.Text, p, sender.Name)
	if err := o.post(ctx, sender, conv, text); err != nil {
		return "", err
	}

	recipients := except(members, sender)
	if err := o.awaitDelivery(ctx, p, text, recipients); err != nil {
		return "", err
	}
	if err := o.awaitHistory(ctx, p, sender, conv, text); err != nil {
		return "", err
	}
	if err := o.assertNoStrayDelivery(ctx, p, text, sender, outsiders); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s delivered to %d members of %s", sender.Name, len(recipients), conv), nil
}

func (o *Orchestrator) receipts(ctx context.Context, p config.PhaseConfig, _ *Report) (string, error) {
	members, err := o.members(p.Members)
	if err != nil {
		return "", err
	}
	sender, err := o.identity(p.Sender)
	if err != nil {
		return "", err
	}
	recipients := except(members, sender)
	if len(recipients) == 0 {
		return "", fmt.Errorf("receipts need at least one recipient besides %s", sender.Name)
	}

	conv, err := o.createConversation(ctx, sender, recipients, "receipts "+o.runID)
	if err != nil {
		return "", err
	}
	text := o.render(p.Text, p, sender.Name)
	if err := o.post(ctx, sender, conv, text); err != nil {
		return "", err
	}

	acks, err := pool.Start(ctx, o.cfg.Concurrency, func(ctx context.Context, id auth.Identity) (string, error) {
		return o.acknowledge(ctx, p, id, conv, text)
	}, recipients)
	if err != nil {
		return "", err
	}
	acks.Wait()
	if err := o.poolError(acks.Failures(), remainingOf(acks), recipients); err != nil {
		return "", err
	}
	messageID := ""
	for _, r := range acks.Results() {
		if r.Done && r.Value != "" {
			messageID = r.Value
			break
		}
	}

	want := make(map[string]bool, len(recipients))
	for _, id := range recipients {
		want[id.Name] = true
	}
	err = poll.Until(ctx, "read receipts from every recipient", o.cfg.PollInterval, o.wait(p), func(ctx context.Context) (bool, any, error) {
		got, err := o.api.FetchReceipts(ctx, sender.Provider(), messageID)
		if err != nil {
			return false, nil, err
		}
		missing := missingReceipts(want, got)
		return len(missing) == 0, "unread: " + strings.Join(missing, ","), nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d recipients read and reacted to %s", len(recipients), messageID), nil
}

// acknowledge finds text in id's history, marks it read and reacts to it.
func (o *Orchestrator) acknowledge(ctx context.Context, p config.PhaseConfig, id auth.Identity, conv, text string) (string, error) {
	var messageID string
	err := poll.Until(ctx, fmt.Sprintf("%q in %s's history", text, id.Name), o.cfg.PollInterval, o.wait(p), func(ctx context.Context) (bool, any, error) {
		msgs, err := o.api.FetchAllMessages(ctx, id.Provider(), conv, chatapi.DefaultPageSize)
		if err != nil {
			return false, nil, err
		}
		for _, m := range msgs {
			if m.Text == text && m.ID != "" {
				messageID = m.ID
				return true, nil, nil
			}
		}
		return false, fmt.Sprintf("%d messages %s", len(msgs), historyTail(msgs)), nil
	})
	if err != nil {
		return "", err
	}
	if err := o.call(ctx, "mark_read", id.Name, func(ctx context.Context) error {
		return o.api.MarkRead(ctx, id.Provider(), messageID)
	}); err != nil {
		return "", err
	}
	if err := o.call(ctx, "react", id.Name, func(ctx context.Context) error {
		return o.api.React(ctx, id.Provider(), messageID, reactionThumbsUp)
	}); err != nil {
		return "", err
	}
	return messageID, nil
}

func missingReceipts(want map[string]bool, got []chatapi.Receipt) []string {
	read := make(map[string]bool, len(got))
	for _, r := range got {
		if r.Read() && r.Reaction != 0 {
			read[r.User] = true
		}
	}
	var missing []string
	for name := range want {
		if !read[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func (o *Orchestrator) createConversation(ctx context.Context, creator auth.Identity, others []auth.Identity, title string) (string, error) {
	names := make([]string, len(others))
	for i, id := range others {
		names[i] = id.Name
	}
	var conv chatapi.Conversation
	err := o.call(ctx, "create_conversation", creator.Name, func(ctx context.Context) error {
		var err error
		conv, err = o.api.CreateConversation(ctx, creator.Provider(), names, title)
		return err
	})
	if err != nil {
		return "", err
	}
	if conv.Name == "" {
		return "", fmt.Errorf("create_conversation: response named no conversation")
	}
	return conv.Name, nil
}

// checkMembership verifies that every member lists conv with creator as its
// admin, and that outsiders are refused when they ask for it.
func (o *Orchestrator) checkMembership(ctx context.Context, conv string, creator auth.Identity, members, outsiders []auth.Identity) error {
	for _, id := range members {
		var list []chatapi.Conversation
		err := o.call(ctx, "list_conversations", id.Name, func(ctx context.Context) error {
			var err error
			list, err = o.api.ListConversations(ctx, id.Provider())
			return err
		})
		if err != nil {
			return err
		}
		if !listsConversation(list, conv) {
			return fmt.Errorf("%s does not list %s among its %d conversations", id.Name, conv, len(list))
		}
		var got chatapi.Conversation
		err = o.call(ctx, "get_conversation", id.Name, func(ctx context.Context) error {
			var err error
			got, err = o.api.GetConversation(ctx, id.Provider(), conv)
			return err
		})
		if err != nil {
			return err
		}
		if got.Admin != creator.Name {
			return fmt.Errorf("%s sees %s administered by %q, want %s", id.Name, conv, got.Admin, creator.Name)
		}
	}
	for _, id := range outsiders {
		err := o.call(ctx, "get_conversation", id.Name, func(ctx context.Context) error {
			_, err := o.api.GetConversation(ctx, id.Provider(), conv)
			return err
		})
		switch transport.StatusCode(err) {
		case http.StatusForbidden, http.StatusNotFound:
		case 0:
			if err != nil {
				return err
			}
			return fmt.Errorf("outsider %s can read %s", id.Name, conv)
		default:
			return err
		}
	}
	return nil
}

func listsConversation(list []chatapi.Conversation, name string) bool {
	for _, c := range list {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) post(ctx context.Context, as auth.Identity, conv, text string) error {
	return o.call(ctx, "post_message", as.Name, func(ctx context.Context) error {
		_, err := o.api.PostMessage(ctx, as.Provider(), conv, text)
		return err
	})
}

// awaitDelivery polls until every recipient's inbox holds text. A recipient
// whose stream has failed ends the wait at once.
func (o *Orchestrator) awaitDelivery(ctx context.Context, p config.PhaseConfig, text string, recipients []auth.Identity) error {
	clients, err := o.clients(recipients)
	if err != nil {
		return err
	}
	return poll.Until(ctx, fmt.Sprintf("delivery of %q", text), o.cfg.PollInterval, o.wait(p), func(context.Context) (bool, any, error) {
		var missing []string
		for _, id := range recipients {
			c := clients[id.Name]
			if c.Inbox().Contains(stream.WithText(text)) {
				continue
			}
			if err := streamDead(c); err != nil {
				return false, nil, err
			}
			missing = append(missing, fmt.Sprintf("%s %s", id.Name, inboxTail(c.Inbox())))
		}
		return len(missing) == 0, "missing: " + strings.Join(missing, "; "), nil
	})
}

// awaitHistory polls until text is persisted in conv as seen by as.
func (o *Orchestrator) awaitHistory(ctx context.Context, p config.PhaseConfig, as auth.Identity, conv, text string) error {
	return poll.Until(ctx, fmt.Sprintf("%q in %s history", text, conv), o.cfg.PollInterval, o.wait(p), func(ctx context.Context) (bool, any, error) {
		msgs, err := o.api.FetchAllMessages(ctx, as.Provider(), conv, chatapi.DefaultPageSize)
		if err != nil {
			return false, nil, err
		}
		for _, m := range msgs {
			if m.Text == text {
				return true, nil, nil
			}
		}
		return false, fmt.Sprintf("%d messages %s", len(msgs), historyTail(msgs)), nil
	})
}

// assertNoStrayDelivery watches the echo window: no outsider may see text,
// and the sender's own inbox must follow the self-echo policy.
func (o *Orchestrator) assertNoStrayDelivery(ctx context.Context, p config.PhaseConfig, text string, sender auth.Identity, outsiders []auth.Identity) error {
	watched := outsiders
	if o.cfg.SelfEcho == config.SelfEchoForbid {
		watched = append(append([]auth.Identity(nil), outsiders...), sender)
	}
	clients, err := o.clients(watched)
	if err != nil {
		return err
	}
	err = poll.Quiet(ctx, fmt.Sprintf("delivery of %q", text), o.cfg.PollInterval, o.cfg.EchoWindow, func() (bool, any, error) {
		for _, id := range watched {
			c := clients[id.Name]
			if c.Inbox().Contains(stream.WithText(text)) {
				if id.Name == sender.Name {
					return true, "echo to sender " + id.Name, nil
				}
				return true, "received by " + id.Name, nil
			}
			if err := c.Err(); err != nil {
				return false, nil, fmt.Errorf("%s stream ended: %w", id.Name, err)
			}
		}
		return false, nil, nil
	})
	if err != nil {
		return err
	}
	if o.cfg.SelfEcho != config.SelfEchoExpect {
		return nil
	}
	return o.awaitDelivery(ctx, p, text, []auth.Identity{sender})
}

func (o *Orchestrator) clients(ids []auth.Identity) (map[string]*stream.Client, error) {
	f, err := o.streams()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*stream.Client, len(ids))
	for _, id := range ids {
		c, ok := f.Client(id.Name)
		if !ok {
			return nil, fmt.Errorf("%s has no stream client", id.Name)
		}
		out[id.Name] = c
	}
	return out, nil
}

// except returns ids without any of drop, compared by name.
func except(ids []auth.Identity, drop ...auth.Identity) []auth.Identity {
	out := make([]auth.Identity, 0, len(ids))
	for _, id := range ids {
		if !containsIdentity(drop, id) {
			out = append(out, id)
		}
	}
	return out
}

func containsIdentity(ids []auth.Identity, id auth.Identity) bool {
	for _, other := range ids {
		if other.Name == id.Name {
			return true
		}
	}
	return false
}
