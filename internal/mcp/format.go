package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

const maxListedEvents = 20

func formatStatus(m types.RunMetrics) string {
	if m.Status == types.StatusIdle {
		return joinLines(section("Load Tester Status"), kv("Status", m.Status), "No run has been started.")
	}

	elapsed := fmt.Sprintf("%.1fs", float64(m.ElapsedMs)/1000)
	if m.DurationMs > 0 {
		elapsed += fmt.Sprintf(" / %.1fs", float64(m.DurationMs)/1000)
	}
	lines := joinLines(
		section("Load Tester Status"),
		kv("Status", m.Status),
		kv("Run ID", m.RunID),
		kv("Pattern", m.Pattern),
		kv("Elapsed", elapsed),
		kv("Users", fmt.Sprintf("%d active / %d target", m.ActiveUsers, m.TargetUsers)),
		kv("In Flight", formatNumber(m.InFlight)),
		kv("Requests", formatNumber(m.Total.Requests)),
		kv("Failures", fmt.Sprintf("%s (%s)", formatNumber(m.Total.Failures), formatPct(m.Total.FailureRatio*100))),
		kv("Current RPS", fmt.Sprintf("%.1f", m.Total.CurrentRPS)),
	)
	if m.Error != "" {
		lines += "\n" + kv("Error", m.Error)
	}

	if len(m.Tasks) > 0 {
		lines += "\n\n" + section("Tasks")
		for _, t := range m.Tasks {
			lines += "\n" + formatTask(t.Name, float64(t.Requests), float64(t.Failures), t.Latency)
		}
	}
	if len(m.Errors) > 0 {
		lines += "\n\n" + section("Errors")
		for _, e := range m.Errors {
			lines += fmt.Sprintf("\n  %dx [%s] %s: %s", e.Count, e.Class, e.Name, e.Message)
		}
	}
	if len(m.Skips) > 0 {
		lines += "\n\n" + section("Skipped")
		for _, s := range m.Skips {
			lines += fmt.Sprintf("\n  %dx %s: %s", s.Count, s.Name, s.Reason)
		}
	}
	return lines
}

func formatTask(name string, requests, failures float64, lat *types.LatencyStats) string {
	line := fmt.Sprintf("  %-28s %8s req %6s fail", name, formatNumber(requests), formatNumber(failures))
	if lat != nil && lat.Count > 0 {
		line += fmt.Sprintf("  p50 %s  p95 %s  max %s", formatMs(lat.P50), formatMs(lat.P95), formatMs(lat.Max))
	}
	return line
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Load Tester Health: " + state)
	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			check, ok := c.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
			if errMsg := getStr(check, "error"); errMsg != "" {
				line += " - " + errMsg
			}
			lines += "\n" + line
		}
	}
	return lines
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
	) + "\n\n"

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "No runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		title := getStr(run, "id")
		if name := getStr(run, "customName"); name != "" {
			title = name + " (" + title + ")"
		}
		if fav, _ := run["isFavorite"].(bool); fav {
			title = "* " + title
		}
		lines += "### " + title + "\n"
		lines += joinLines(
			kv("Status", getStr(run, "status")),
			kv("Pattern", getStr(run, "pattern")),
			kv("Requests", formatNumber(getNum(run, "requests"))),
			kv("Failures", formatNumber(getNum(run, "failures"))),
			kv("Avg RPS", fmt.Sprintf("%.1f", getNum(run, "averageRps"))),
			kv("Peak Users", formatNumber(getNum(run, "peakUsers"))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
		lines += "\n\n"
	}
	return strings.TrimRight(lines, "\n")
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}
	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Status", getStr(run, "status")),
		kv("Error", getStr(run, "errorMessage")),
		kv("Pattern", getStr(run, "pattern")),
		kv("Target", getStr(run, "target")),
		kv("Started", formatTime(getStr(run, "startedAt"))),
		kv("Duration", fmt.Sprintf("%.1fs", getNum(run, "durationMs")/1000)),
		kv("Requests", formatNumber(getNum(run, "requests"))),
		kv("Failures", formatNumber(getNum(run, "failures"))),
		kv("Skips", formatNumber(getNum(run, "skips"))),
		kv("Avg RPS", fmt.Sprintf("%.1f", getNum(run, "averageRps"))),
		kv("Peak Users", formatNumber(getNum(run, "peakUsers"))),
	)

	if lat, ok := run["latency"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Response Time"),
			kv("Min", formatMs(getNum(lat, "min"))),
			kv("P50", formatMs(getNum(lat, "p50"))),
			kv("P95", formatMs(getNum(lat, "p95"))),
			kv("P99", formatMs(getNum(lat, "p99"))),
			kv("Max", formatMs(getNum(lat, "max"))),
		)
	}

	if tasks, ok := m["tasks"].([]any); ok && len(tasks) > 0 {
		lines += "\n\n" + section("Tasks")
		for _, x := range tasks {
			task, ok := x.(map[string]any)
			if !ok {
				continue
			}
			var lat *types.LatencyStats
			if l, ok := task["latency"].(map[string]any); ok {
				lat = &types.LatencyStats{
					Count: int(getNum(l, "count")),
					P50:   getNum(l, "p50"),
					P95:   getNum(l, "p95"),
					Max:   getNum(l, "max"),
				}
			}
			lines += "\n" + formatTask(getStr(task, "name"), getNum(task, "requests"), getNum(task, "failures"), lat)
		}
	}

	if errs, ok := run["errors"].([]any); ok && len(errs) > 0 {
		lines += "\n\n" + section("Errors")
		for _, x := range errs {
			if e, ok := x.(map[string]any); ok {
				lines += fmt.Sprintf("\n  %sx [%s] %s: %s", formatNumber(getNum(e, "count")),
					getStr(e, "class"), getStr(e, "name"), getStr(e, "message"))
			}
		}
	}
	return lines
}

func formatEvents(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing events: %v", err)
	}

	lines := joinLines(
		section("Run Events"),
		kv("Total", formatNumber(getNum(m, "total"))),
	) + "\n\n"

	events, ok := m["events"].([]any)
	if !ok || len(events) == 0 {
		return lines + "No events recorded."
	}

	for i, x := range events {
		if i >= maxListedEvents {
			lines += fmt.Sprintf("... and %d more\n", len(events)-maxListedEvents)
			break
		}
		e, ok := x.(map[string]any)
		if !ok {
			continue
		}
		outcome := "ok"
		if msg := getStr(e, "error"); msg != "" {
			outcome = getStr(e, "errorClass") + ": " + msg
		}
		line := fmt.Sprintf("  [%d] user %d  %-24s %s  %s", i, int(getNum(e, "user")), getStr(e, "name"),
			formatMs(getNum(e, "responseTimeMs")), outcome)
		if hash := getStr(e, "txHash"); len(hash) > 18 {
			line += "  " + hash[:18] + "..."
		}
		lines += line + "\n"
	}
	return strings.TrimRight(lines, "\n")
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v != float64(int64(v)) {
			return fmt.Sprintf("%.1f", v)
		}
		s = fmt.Sprintf("%d", int64(v))
	case int64:
		s = fmt.Sprintf("%d", v)
	case uint64:
		s = fmt.Sprintf("%d", v)
	case int:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if i > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values. Empty values are dropped
// by joinLines.
func kv(key string, value any) string {
	if s, ok := value.(string); ok && s == "" {
		return ""
	}
	return fmt.Sprintf("%-20s %v", key+":", value)
}

func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func getStr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getNum(m map[string]any, key string) float64 {
	n, _ := m[key].(float64)
	return n
}
