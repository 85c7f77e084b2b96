package scenario

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/torosent/relaycheck/internal/chatapi"
	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/poll"
	"github.com/torosent/relaycheck/internal/runner"
	"github.com/torosent/relaycheck/internal/stream"
)

// runLoad posts to one conversation at sustained load, then checks that
// history and inboxes agree with what was sent. Texts are marker#attempt so
// load traffic is counted apart from anything else in the conversation.
func (o *Orchestrator) runLoad(ctx context.Context, p config.PhaseConfig, rep *Report) (string, error) {
	members, err := o.members(p.Members)
	if err != nil {
		return "", err
	}
	sender, err := o.identity(p.Sender)
	if err != nil {
		return "", err
	}
	others := except(members, sender)

	conv, err := o.createConversation(ctx, sender, others, "load "+o.runID)
	if err != nil {
		return "", err
	}
	marker := o.render(p.Text, p, sender.Name) + "-" + rosterSuffix(o.runID) + "#"
	provider := sender.Provider()

	send := runner.RequesterFunc(func(ctx context.Context, attempt int) error {
		_, err := o.api.PostMessage(ctx, provider, conv, marker+strconv.Itoa(attempt))
		return err
	})

	r := runner.New(runner.Options{
		Workers:       p.Workers,
		Total:         p.Total,
		Duration:      p.Duration,
		MaxAttempts:   p.MaxAttempts,
		RatePerSecond: p.Rate,
		ArrivalModel:  runner.ArrivalModel(p.Arrival),
		Requester:     runner.WithLogging(send, o.failures),
	})
	o.mu.Lock()
	o.load = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.load = nil
		o.mu.Unlock()
	}()

	res, err := r.Run(ctx)
	if err != nil {
		return "", err
	}

	mode := "count"
	if p.Total <= 0 {
		mode = "window"
	}
	load := &LoadResult{
		Phase:            p.DisplayName(),
		Conversation:     conv,
		Sender:           sender.Name,
		Mode:             mode,
		Workers:          p.Workers,
		Dispatched:       res.Dispatched,
		Completed:        res.Completed,
		Errors:           res.Errors,
		InflightAtCutoff: res.InflightAtCutoff,
		Remaining:        res.Remaining,
		Elapsed:          res.Snapshot.Elapsed,
		Rate:             res.Snapshot.Rate(),
		Stats:            res.Stats,
		Snapshot:         res.Snapshot,
	}
	rep.Load = load
	o.log.Info().
		Int64("dispatched", res.Dispatched).
		Int64("completed", res.Completed).
		Int64("errors", res.Errors).
		Int64("inflight_at_cutoff", res.InflightAtCutoff).
		Float64("rate", load.Rate).
		Msg("load finished")

	// Sends still in flight at the cutoff may be acknowledged before they
	// are persisted, so they are slack for the lower bound.
	floor := res.Completed - res.InflightAtCutoff
	settle := p.Settle
	if settle <= 0 {
		settle = o.wait(p)
	}
	err = poll.Until(ctx, "persisted load history", o.cfg.PollInterval, settle, func(ctx context.Context) (bool, any, error) {
		msgs, err := o.api.FetchAllMessages(ctx, provider, conv, chatapi.DefaultPageSize)
		if err != nil {
			return false, nil, err
		}
		load.Persisted = countMarked(msgs, marker)
		return int64(load.Persisted) >= floor, fmt.Sprintf("persisted %d of at least %d, history %s", load.Persisted, floor, historyTail(msgs)), nil
	})
	if err != nil {
		return summary(load), err
	}
	if int64(load.Persisted) > res.Dispatched {
		return summary(load), fmt.Errorf("history holds %d load messages but only %d were dispatched", load.Persisted, res.Dispatched)
	}

	if o.fanout != nil {
		load.Receivers = make(map[string]int, len(members))
		var over []string
		for _, id := range members {
			c, ok := o.fanout.Client(id.Name)
			if !ok {
				continue
			}
			n := c.Inbox().Count(stream.WithPrefix(marker))
			load.Receivers[id.Name] = n
			if int64(n) > res.Completed {
				over = append(over, fmt.Sprintf("%s=%d", id.Name, n))
			}
		}
		if len(over) > 0 {
			return summary(load), fmt.Errorf("inboxes hold more load events than completed sends (%d): %s", res.Completed, strings.Join(over, ", "))
		}
	}
	return summary(load), nil
}

func countMarked(msgs []chatapi.Message, marker string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m.Text, marker) {
			n++
		}
	}
	return n
}

func summary(l *LoadResult) string {
	return fmt.Sprintf("%s mode: %d dispatched, %d completed, %d errors, %d persisted, %.1f sends/s",
		l.Mode, l.Dispatched, l.Completed, l.Errors, l.Persisted, l.Rate)
}
