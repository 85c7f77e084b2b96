package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/metrics"
	"github.com/torosent/relaycheck/internal/pool"
	"github.com/torosent/relaycheck/internal/stream"
	"github.com/torosent/relaycheck/internal/transport"
)

func (o *Orchestrator) register(ctx context.Context, _ config.PhaseConfig, _ *Report) (string, error) {
	ids := o.Identities()
	p, err := pool.Start(ctx, o.cfg.Concurrency, func(ctx context.Context, id auth.Identity) (auth.RegisterOutcome, error) {
		var outcome auth.RegisterOutcome
		err := o.call(ctx, "register", id.Name, func(ctx context.Context) error {
			var err error
			outcome, err = o.auth.Register(ctx, id)
			return err
		})
		return outcome, err
	}, ids)
	if err != nil {
		return "", err
	}
	p.Wait()

	created, existing := 0, 0
	for _, r := range p.Results() {
		if !r.Done || r.Err != nil {
			continue
		}
		if r.Value == auth.AlreadyExists {
			existing++
		} else {
			created++
		}
	}
	detail := fmt.Sprintf("%d registered, %d already existed", created, existing)
	return detail, o.poolError(p.Failures(), remainingOf(p), ids)
}

func (o *Orchestrator) login(ctx context.Context, _ config.PhaseConfig, _ *Report) (string, error) {
	ids := o.Identities()
	p, err := pool.Start(ctx, o.cfg.Concurrency, func(ctx context.Context, id auth.Identity) (auth.Identity, error) {
		out := id
		err := o.call(ctx, "login", id.Name, func(ctx context.Context) error {
			var err error
			out, err = o.auth.Login(ctx, id)
			return err
		})
		return out, err
	}, ids)
	if err != nil {
		return "", err
	}
	// Barrier: nothing token-dependent starts before every login returned.
	p.Wait()

	ok := 0
	for _, r := range p.Results() {
		if r.Done && r.Err == nil {
			ids[r.Index] = r.Value
			ok++
		}
	}
	o.setIdentities(ids)
	return fmt.Sprintf("%d of %d logged in", ok, len(ids)), o.poolError(p.Failures(), remainingOf(p), ids)
}

func (o *Orchestrator) connect(ctx context.Context, p config.PhaseConfig, _ *Report) (string, error) {
	if o.fanout != nil {
		o.fanout.Stop()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	log := o.log.With().Str("component", "stream").Logger()
	o.fanout = stream.NewFanout(stream.Config{
		URL:              o.cfg.StreamURL,
		HandshakeTimeout: timeout,
		Propagate:        o.propagate,
		Logger:           &log,
	}, o.Identities())

	n, err := o.fanout.Connect(ctx, timeout)
	detail := fmt.Sprintf("%d of %d connected", n, len(o.Identities()))
	if err != nil {
		return detail, fmt.Errorf("connect: %w", err)
	}
	return detail, nil
}

func remainingOf[T, R any](p *pool.WorkPool[T, R]) int {
	return len(p.Remaining())
}

// poolError folds per-identity failures into one error naming each identity,
// with a breakdown by error kind.
func (o *Orchestrator) poolError(failures []*pool.HandlerFailure, remaining int, ids []auth.Identity) error {
	if len(failures) == 0 && remaining == 0 {
		return nil
	}
	errs := make([]error, 0, len(failures)+1)
	kinds := map[string]int{}
	for _, f := range failures {
		name := fmt.Sprintf("item %d", f.Index)
		if f.Index >= 0 && f.Index < len(ids) {
			name = ids[f.Index].Name
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, f.Err))
		kinds[metrics.FriendlyErrorName(errorType(f.Err))]++
	}
	if remaining > 0 {
		errs = append(errs, fmt.Errorf("%d identities were never processed", remaining))
	}
	return fmt.Errorf("%s: %w", breakdown(kinds, len(failures)), errors.Join(errs...))
}

// errorType names the most specific typed error in err's chain.
func errorType(err error) string {
	var (
		authErr *auth.AuthError
		httpErr *transport.HTTPError
		connErr *transport.ConnectionError
	)
	switch {
	case errors.As(err, &authErr):
		return fmt.Sprintf("%T", authErr)
	case errors.As(err, &httpErr):
		return fmt.Sprintf("%T", httpErr)
	case errors.As(err, &connErr):
		return fmt.Sprintf("%T", connErr)
	}
	return fmt.Sprintf("%T", err)
}

func breakdown(kinds map[string]int, total int) string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s x%d", k, kinds[k]))
	}
	if len(parts) == 0 {
		return "incomplete"
	}
	return fmt.Sprintf("%d failed (%s)", total, strings.Join(parts, ", "))
}
