package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"vpnbot/internal/repository"
	"vpnbot/internal/xui"
)

const (
	reportChunkSize  = 30
	emailColumnWidth = 14
	streakWindow     = 30
	dateLayout       = "2006-01-02"
)

// ReportSink receives rendered report messages. The Telegram adapter
// implements it.
type ReportSink interface {
	SendAdminReport(ctx context.Context, text string) error
}

// DailyRow is one client's line in the daily report. Delta and Prev are
// meaningful only when HasPrev is true: a missing previous snapshot is not
// the same as zero usage.
type DailyRow struct {
	Email               string
	AllTime             int64
	Prev                int64
	Delta               int64
	HasPrev             bool
	ActiveDays          int
	TotalDays           int
	ConsecutiveInactive int
}

// Reporter builds and delivers the daily, weekly and monthly traffic
// reports. The panel exposes only cumulative all_time counters, so daily
// usage is derived as the difference against yesterday's stored snapshot.
type Reporter struct {
	traffic *repository.TrafficRepository
	gateway Gateway
	sink    ReportSink
	clock   Clock
}

func NewReporter(traffic *repository.TrafficRepository, gateway Gateway, sink ReportSink, clock Clock) *Reporter {
	return &Reporter{traffic: traffic, gateway: gateway, sink: sink, clock: clock}
}

// RunDaily produces the report for yesterday, persists snapshots and
// per-day history, and on Mondays / first days of a month follows up with
// the weekly / monthly aggregates. A send failure of one chunk never stops
// the remaining chunks.
func (r *Reporter) RunDaily(ctx context.Context) error {
	now := r.clock.Now()
	reportDate := now.AddDate(0, 0, -1).Format(dateLayout)
	prevDate := now.AddDate(0, 0, -2).Format(dateLayout)

	table, err := r.gateway.TrafficTable(ctx)
	if err != nil {
		return fmt.Errorf("load traffic table: %w", err)
	}
	if len(table) == 0 {
		log.Printf("[info] traffic table is empty, skipping report for %s", reportDate)
		return nil
	}
	sort.SliceStable(table, func(i, j int) bool { return table[i].AllTime > table[j].AllTime })

	prevSnapshots, err := r.traffic.SnapshotsByDate(ctx, prevDate)
	if err != nil {
		return fmt.Errorf("load snapshots for %s: %w", prevDate, err)
	}

	rows := make([]DailyRow, 0, len(table))
	for _, entry := range table {
		row := DailyRow{Email: entry.Email, AllTime: entry.AllTime}
		if prev, ok := prevSnapshots[entry.Email]; ok {
			row.HasPrev = true
			row.Prev = prev
			row.Delta = entry.AllTime - prev
		}
		snaps, err := r.traffic.RecentSnapshots(ctx, entry.Email, streakWindow+1)
		if err != nil {
			return fmt.Errorf("load streak snapshots for %s: %w", entry.Email, err)
		}
		// Yesterday's delta is not in the snapshot table yet, so it opens
		// the streak sequence. Without it a client active yesterday would
		// still show a stale inactive streak.
		deltas := make([]int64, 0, len(snaps)+1)
		if row.HasPrev {
			deltas = append(deltas, row.Delta)
		}
		for i := 0; i+1 < len(snaps); i++ {
			deltas = append(deltas, snaps[i].AllTime-snaps[i+1].AllTime)
		}
		row.TotalDays = len(deltas)
		if row.TotalDays > streakWindow {
			row.TotalDays = streakWindow
		}
		for i, d := range deltas {
			if i < streakWindow && d > 0 {
				row.ActiveDays++
			}
		}
		for _, d := range deltas {
			if d > 0 {
				break
			}
			row.ConsecutiveInactive++
		}
		rows = append(rows, row)
	}

	for _, row := range rows {
		if err := r.traffic.SaveSnapshot(ctx, row.Email, row.AllTime, reportDate); err != nil {
			return fmt.Errorf("save snapshot for %s: %w", row.Email, err)
		}
		down := row.Delta
		if !row.HasPrev || down < 0 {
			down = 0
		}
		if err := r.traffic.SaveHistory(ctx, row.Email, 0, down, reportDate); err != nil {
			return fmt.Errorf("save history for %s: %w", row.Email, err)
		}
	}

	r.sendChunks(ctx,
		fmt.Sprintf("📊 Отчёт по трафику за %s", reportDate),
		dailyColumns(), renderDailyRows(rows))

	if now.Weekday() == time.Monday {
		if err := r.runPeriod(ctx, "📈 Недельный отчёт", table, 7, now.AddDate(0, 0, -7), now.AddDate(0, 0, -1)); err != nil {
			log.Printf("[error] weekly report: %v", err)
		}
	}
	if now.Day() == 1 {
		if err := r.runPeriod(ctx, "📅 Месячный отчёт", table, 30, now.AddDate(0, 0, -30), now.AddDate(0, 0, -1)); err != nil {
			log.Printf("[error] monthly report: %v", err)
		}
	}
	return nil
}

func (r *Reporter) runPeriod(ctx context.Context, title string, table []xui.ClientTraffic, periodDays int, start, end time.Time) error {
	startDate := start.Format(dateLayout)
	endDate := end.Format(dateLayout)
	activity, err := r.traffic.PeriodActivity(ctx, startDate, endDate)
	if err != nil {
		return err
	}

	// Every live client appears in the period report. A client with no
	// history rows in the window had zero period traffic; it does not
	// vanish from the listing.
	type periodRow struct {
		email      string
		allTime    int64
		period     int64
		activeDays int
	}
	rows := make([]periodRow, 0, len(table))
	for _, entry := range table {
		row := periodRow{email: entry.Email, allTime: entry.AllTime}
		if a, ok := activity[entry.Email]; ok {
			row.period = a.PeriodTraffic
			row.activeDays = a.ActiveDays
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].period > rows[j].period })

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%-*s %-12s %-14s %s",
			emailColumnWidth, truncate(row.email, emailColumnWidth),
			FormatBytes(row.allTime),
			FormatBytes(row.period),
			fmt.Sprintf("%d из %d дн.", row.activeDays, periodDays)))
	}
	columns := fmt.Sprintf("%-*s %-12s %-14s %s", emailColumnWidth, "Профиль", "Всего", "За период", "Активность")
	r.sendChunks(ctx, fmt.Sprintf("%s (%s — %s)", title, startDate, endDate), columns, lines)
	return nil
}

func dailyColumns() string {
	return fmt.Sprintf("%-*s %-12s %-24s %s", emailColumnWidth, "Профиль", "Всего", "Δ вчера", "Активность")
}

func renderDailyRows(rows []DailyRow) []string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%-*s %-12s %-24s %s",
			emailColumnWidth, truncate(row.Email, emailColumnWidth),
			FormatBytes(row.AllTime),
			formatDelta(row),
			formatActivity(row)))
	}
	return lines
}

func formatDelta(row DailyRow) string {
	switch {
	case !row.HasPrev:
		return "показаний нет"
	case row.Delta < 0:
		return "сброс счётчика"
	default:
		return fmt.Sprintf("+%s (было %s)", FormatBytes(row.Delta), FormatBytes(row.Prev))
	}
}

func formatActivity(row DailyRow) string {
	if row.TotalDays == 0 {
		return "—"
	}
	if row.ConsecutiveInactive > 0 {
		return fmt.Sprintf("молчит %dд", row.ConsecutiveInactive)
	}
	return fmt.Sprintf("%d/%dд", row.ActiveDays, row.TotalDays)
}

// sendChunks splits the rows into messages of at most reportChunkSize lines
// and delivers them independently.
func (r *Reporter) sendChunks(ctx context.Context, title, columns string, lines []string) {
	stamp := r.clock.Now().Format("2006-01-02 15:04:05")
	total := (len(lines) + reportChunkSize - 1) / reportChunkSize
	for i := 0; i < total; i++ {
		start := i * reportChunkSize
		end := start + reportChunkSize
		if end > len(lines) {
			end = len(lines)
		}
		header := title
		if total > 1 {
			header = fmt.Sprintf("%s (часть %d/%d)", title, i+1, total)
		}
		text := fmt.Sprintf("<b>%s</b>\n\n<pre>%s\n%s\n%s</pre>\n📅 <i>%s</i>",
			header, columns, strings.Repeat("-", 60), strings.Join(lines[start:end], "\n"), stamp)
		if err := r.sink.SendAdminReport(ctx, text); err != nil {
			log.Printf("[error] send report chunk %d/%d: %v", i+1, total, err)
		}
	}
}
