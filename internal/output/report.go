package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torosent/relaycheck/internal/config"
	"github.com/torosent/relaycheck/internal/scenario"
)

// Render writes rep in the requested format.
func Render(w io.Writer, format string, rep *scenario.Report) error {
	switch strings.ToLower(format) {
	case "", config.FormatText:
		PrintReport(w, rep)
		return nil
	case config.FormatJSON:
		return PrintJSONReport(w, rep)
	case config.FormatYAML:
		return PrintYAMLReport(w, rep)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, rep *scenario.Report) {
	fmt.Fprintln(w, "\n--- Relay Check Results ---")
	fmt.Fprintf(w, "Run:               %s\n", rep.RunID)
	fmt.Fprintf(w, "Identities:        %d\n", len(rep.Identities))
	fmt.Fprintf(w, "Duration:          %s\n", rep.Duration.Round(time.Millisecond))

	fmt.Fprintln(w, "\nPhases:")
	width := 0
	for _, p := range rep.Phases {
		width = max(width, len(p.Name))
	}
	for _, p := range rep.Phases {
		fmt.Fprintf(w, "  %s %-*s %-8s %s", statusMark(p.Status), width, p.Name, p.Status, p.Duration.Round(time.Millisecond))
		if p.Detail != "" {
			fmt.Fprintf(w, "  %s", p.Detail)
		}
		fmt.Fprintln(w)
		if p.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", p.Error)
		}
	}

	if rep.Load != nil {
		printLoad(w, rep.Load)
	}

	if s := rep.Stream; s.FramesReceived > 0 || s.FramesSent > 0 || s.Errors > 0 {
		fmt.Fprintln(w, "\nStream:")
		fmt.Fprintf(w, "  Frames:          %d received, %d sent\n", s.FramesReceived, s.FramesSent)
		fmt.Fprintf(w, "  Bytes:           %d received, %d sent\n", s.BytesReceived, s.BytesSent)
		if s.DecodeErrors > 0 || s.Errors > 0 {
			fmt.Fprintf(w, "  Errors:          %d decode, %d connection\n", s.DecodeErrors, s.Errors)
		}
	}
	if len(rep.StreamFailures) > 0 {
		names := make([]string, 0, len(rep.StreamFailures))
		for name := range rep.StreamFailures {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "\nStream failures:")
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %s\n", name, rep.StreamFailures[name])
		}
	}

	if len(rep.Thresholds) > 0 {
		fmt.Fprintln(w, "\nThresholds:")
		for _, t := range rep.Thresholds {
			fmt.Fprintf(w, "  %s\n", t.Message)
		}
	}

	verdict := "PASSED"
	if !rep.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(w, "\nResult: %s\n", verdict)
}

func printLoad(w io.Writer, l *scenario.LoadResult) {
	stats := l.Stats
	fmt.Fprintf(w, "\nLoad (%s, %s mode, %d workers):\n", l.Phase, l.Mode, l.Workers)
	fmt.Fprintf(w, "  Dispatched:      %d\n", l.Dispatched)
	fmt.Fprintf(w, "  Completed:       %d\n", l.Completed)
	fmt.Fprintf(w, "  Failed:          %d\n", l.Errors)
	fmt.Fprintf(w, "  In flight @ cut: %d\n", l.InflightAtCutoff)
	fmt.Fprintf(w, "  Persisted:       %d\n", l.Persisted)
	fmt.Fprintf(w, "  Elapsed:         %s\n", l.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Sends/sec:       %.2f\n", l.Rate)
	fmt.Fprintln(w, "  Latency:")
	fmt.Fprintf(w, "    Min:           %s\n", stats.MinLatency)
	fmt.Fprintf(w, "    Max:           %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "    Mean:          %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "    P50:           %s\n", stats.P50Latency)
	fmt.Fprintf(w, "    P90:           %s\n", stats.P90Latency)
	fmt.Fprintf(w, "    P95:           %s\n", stats.P95Latency)
	fmt.Fprintf(w, "    P99:           %s\n", stats.P99Latency)
	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "  Errors:")
		writeCounts(w, stats.Errors, "    ")
	}
	if len(l.Receivers) > 0 {
		fmt.Fprintln(w, "  Received:")
		counts := make(map[string]int64, len(l.Receivers))
		for name, n := range l.Receivers {
			counts[name] = int64(n)
		}
		writeCounts(w, counts, "    ")
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, rep *scenario.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// PrintYAMLReport outputs a YAML-formatted report.
func PrintYAMLReport(w io.Writer, rep *scenario.Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return enc.Close()
}

func statusMark(s scenario.Status) string {
	switch s {
	case scenario.StatusPassed:
		return "✓"
	case scenario.StatusFailed:
		return "✗"
	default:
		return "-"
	}
}

// writeCounts prints counts largest first, ties by name.
func writeCounts(w io.Writer, counts map[string]int64, indent string) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		fmt.Fprintf(w, "%s%s: %d\n", indent, name, counts[name])
	}
}
