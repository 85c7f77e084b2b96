package scenario

import (
	"context"
	"fmt"
	"strings"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/feeder"
)

// rosterSuffix derives a short lowercase tag from the run id so generated
// names never collide with a previous run against the same backend.
func rosterSuffix(runID string) string {
	s := strings.ToLower(runID)
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return s
}

// buildRoster returns the identities of a run, generated or read from a file.
func buildRoster(ctx context.Context, ids config.IdentitiesConfig, runID string) ([]auth.Identity, error) {
	if strings.TrimSpace(ids.File) != "" {
		return loadRoster(ctx, ids)
	}
	suffix := rosterSuffix(runID)
	out := make([]auth.Identity, ids.Count)
	for i := range out {
		out[i] = auth.Identity{
			Name:     fmt.Sprintf("%s%d-%s", ids.Prefix, i, suffix),
			Password: ids.Password,
		}
	}
	return out, nil
}

func loadRoster(ctx context.Context, ids config.IdentitiesConfig) ([]auth.Identity, error) {
	f, err := feeder.Open(ids.File, ids.FileType)
	if err != nil {
		return nil, fmt.Errorf("identities file: %w", err)
	}
	defer f.Close()

	records, err := feeder.Drain(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("identities file: %w", err)
	}

	seen := make(map[string]bool, len(records))
	out := make([]auth.Identity, 0, len(records))
	for i, rec := range records {
		name := firstField(rec, "username", "name", "user")
		if name == "" {
			return nil, fmt.Errorf("identities file: record %d has no username", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("identities file: duplicate username %q", name)
		}
		seen[name] = true
		password := firstField(rec, "password")
		if password == "" {
			password = ids.Password
		}
		out = append(out, auth.Identity{Name: name, Password: password})
	}
	return out, nil
}

func firstField(rec feeder.Record, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(rec[k]); v != "" {
			return v
		}
	}
	return ""
}
