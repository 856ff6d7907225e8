package panel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"autobc/internal/broadcast"
	"autobc/internal/storage"
	"autobc/pkg/timespec"
)

func formatUnix(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04:05")
}

func destLabel(chatID int64, key broadcast.ThreadKey) string {
	return strconv.FormatInt(chatID, 10) + "/" + key.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderStatus(st broadcast.Settings, wl []broadcast.Destination, stats storage.Stats, state string, last *broadcast.CycleEvent, dispatching int64) string {
	lines := []string{
		"Enabled: " + yesNo(st.Enabled),
		"Interval: " + timespec.FormatHours(st.Interval),
		"Delay per chat: " + st.Delay.String(),
		fmt.Sprintf("Whitelist: %d", len(wl)),
		fmt.Sprintf("Blacklist: %d", stats.Exclusions),
		"Message set: " + yesNo(st.Payload != nil),
		fmt.Sprintf("Next run: %s (epoch=%d)", formatUnix(st.NextRunAt), st.NextRunAt),
	}
	if state != "" {
		lines = append(lines, "Scheduler: "+state)
	}
	if dispatching > 0 {
		lines = append(lines, fmt.Sprintf("Force dispatches running: %d", dispatching))
	}
	if last != nil {
		r := last.Report
		lines = append(lines, fmt.Sprintf("Last cycle: sent=%d skipped=%d evicted=%d took=%s",
			r.Sent, r.Skipped, r.Evicted, last.Took.Round(time.Second)))
	}
	if len(wl) > 0 {
		lines = append(lines, "", fmt.Sprintf("Latest whitelist entries (max %d):", statusSample))
		for i := len(wl) - 1; i >= 0 && i >= len(wl)-statusSample; i-- {
			d := wl[i]
			lines = append(lines, fmt.Sprintf("• %s | chat_id=%d | thread=%s", d.Title, d.ChatID, d.Thread))
		}
	}
	return strings.Join(lines, "\n")
}

// renderWhitelist sorts by title (case-insensitive) and marks entries whose
// chat is blacklisted; those are skipped by every pass but kept in the list.
func renderWhitelist(wl []broadcast.Destination, bl broadcast.Exclusions, limit int) string {
	rows := append([]broadcast.Destination(nil), wl...)
	sort.SliceStable(rows, func(i, j int) bool {
		return strings.ToLower(rows[i].Title) < strings.ToLower(rows[j].Title)
	})

	out := []string{"📌 WHITELIST:"}
	for i, d := range rows {
		if i >= limit {
			out = append(out, fmt.Sprintf("... and %d more", len(rows)-limit))
			break
		}
		mark := "•"
		if bl.Has(d.ChatID) {
			mark = "⛔"
		}
		out = append(out, fmt.Sprintf("%s %s | chat_id=%d | thread=%s", mark, d.Title, d.ChatID, d.Thread))
	}
	return strings.Join(out, "\n")
}

func renderBlacklist(ex []storage.Exclusion, limit int) string {
	rows := append([]storage.Exclusion(nil), ex...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ChatID < rows[j].ChatID })

	out := []string{"⛔ BLACKLIST:"}
	for i, e := range rows {
		if i >= limit {
			out = append(out, fmt.Sprintf("... and %d more", len(rows)-limit))
			break
		}
		if e.Title != "" {
			out = append(out, fmt.Sprintf("• %s | chat_id=%d", e.Title, e.ChatID))
		} else {
			out = append(out, fmt.Sprintf("• chat_id=%d", e.ChatID))
		}
	}
	return strings.Join(out, "\n")
}
