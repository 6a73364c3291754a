package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"vpnbot/internal/repository"
	"vpnbot/internal/xui"
)

// Tuesday, so neither the weekly nor the monthly follow-up fires.
var quietDay = time.Date(2025, 3, 18, 0, 1, 0, 0, time.UTC)

func newTestReporter(t *testing.T, gateway *fakeGateway, now time.Time) (*Reporter, *fakeSink, *repository.TrafficRepository) {
	t.Helper()
	traffic := repository.NewTrafficRepository(testDB(t))
	sink := &fakeSink{}
	return NewReporter(traffic, gateway, sink, fixedClock{now: now}), sink, traffic
}

func TestRunDailyFirstObservation(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", Up: 10, Down: 90, AllTime: 100}}}
	reporter, sink, traffic := newTestReporter(t, gateway, quietDay)

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	if len(sink.reports) != 1 {
		t.Fatalf("sent %d reports, want 1", len(sink.reports))
	}
	if !strings.Contains(sink.reports[0], "показаний нет") {
		t.Fatalf("first observation must not claim a delta:\n%s", sink.reports[0])
	}

	// Snapshot lands under the report date (yesterday).
	allTime, ok, err := traffic.Snapshot(ctx, "tg_1_vasya", "2025-03-17")
	if err != nil || !ok || allTime != 100 {
		t.Fatalf("snapshot = %d, %v, %v; want 100, true, nil", allTime, ok, err)
	}
	totals, err := traffic.Stats(ctx, "2025-03-17", "2025-03-17")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(totals) != 1 || totals[0].TotalDown != 0 {
		t.Fatalf("first observation must persist zero usage, got %+v", totals)
	}
}

func TestRunDailyDeltaAgainstSnapshot(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", AllTime: 250}}}
	reporter, sink, traffic := newTestReporter(t, gateway, quietDay)

	// Snapshot from two days ago is the comparison base.
	if err := traffic.SaveSnapshot(ctx, "tg_1_vasya", 100, "2025-03-16"); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	if !strings.Contains(sink.reports[0], "+150 B") {
		t.Fatalf("report must show the derived delta:\n%s", sink.reports[0])
	}
	totals, err := traffic.Stats(ctx, "2025-03-17", "2025-03-17")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(totals) != 1 || totals[0].TotalDown != 150 {
		t.Fatalf("persisted delta = %+v, want 150", totals)
	}
}

func TestRunDailyCounterResetClampsToZero(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", AllTime: 40}}}
	reporter, sink, traffic := newTestReporter(t, gateway, quietDay)

	if err := traffic.SaveSnapshot(ctx, "tg_1_vasya", 500, "2025-03-16"); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	if !strings.Contains(sink.reports[0], "сброс") {
		t.Fatalf("report must flag the counter reset:\n%s", sink.reports[0])
	}
	totals, err := traffic.Stats(ctx, "2025-03-17", "2025-03-17")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(totals) != 1 || totals[0].TotalDown != 0 {
		t.Fatalf("negative delta must persist as zero, got %+v", totals)
	}
}

func TestRunDailyEmptyTableSkips(t *testing.T) {
	reporter, sink, _ := newTestReporter(t, &fakeGateway{}, quietDay)
	if err := reporter.RunDaily(context.Background()); err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if len(sink.reports) != 0 {
		t.Fatalf("empty table must send nothing, got %d reports", len(sink.reports))
	}
}

func TestRunDailyChunksLongReports(t *testing.T) {
	gateway := &fakeGateway{}
	for i := 0; i < 65; i++ {
		gateway.traffic = append(gateway.traffic, xui.ClientTraffic{
			Email:   fmt.Sprintf("tg_%d_user", i),
			AllTime: int64(1000 - i),
		})
	}
	reporter, sink, _ := newTestReporter(t, gateway, quietDay)

	if err := reporter.RunDaily(context.Background()); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	if len(sink.reports) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sink.reports))
	}
	if !strings.Contains(sink.reports[0], "часть 1/3") || !strings.Contains(sink.reports[2], "часть 3/3") {
		t.Fatalf("chunks must be numbered:\n%s", sink.reports[0])
	}
	// Highest all_time first.
	if !strings.Contains(sink.reports[0], "tg_0_user") || strings.Contains(sink.reports[0], "tg_64_user") {
		t.Fatal("rows must be ordered by all_time descending")
	}
}

func TestRunDailyWeeklyOnMonday(t *testing.T) {
	ctx := context.Background()
	monday := time.Date(2025, 3, 17, 0, 1, 0, 0, time.UTC)
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", AllTime: 100}}}
	reporter, sink, traffic := newTestReporter(t, gateway, monday)

	// History inside the 7-day window feeds the weekly aggregate.
	if err := traffic.SaveHistory(ctx, "tg_1_vasya", 0, 70, "2025-03-14"); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	if len(sink.reports) != 2 {
		t.Fatalf("sent %d reports, want daily + weekly", len(sink.reports))
	}
	if !strings.Contains(sink.reports[1], "Недельный") {
		t.Fatalf("second report must be the weekly one:\n%s", sink.reports[1])
	}
}

func TestRunDailyMonthlyOnFirst(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2025, 4, 1, 0, 1, 0, 0, time.UTC)
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", AllTime: 100}}}
	reporter, sink, traffic := newTestReporter(t, gateway, first)

	if err := traffic.SaveHistory(ctx, "tg_1_vasya", 0, 70, "2025-03-20"); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	if len(sink.reports) != 2 {
		t.Fatalf("sent %d reports, want daily + monthly", len(sink.reports))
	}
	if !strings.Contains(sink.reports[1], "Месячный") {
		t.Fatalf("second report must be the monthly one:\n%s", sink.reports[1])
	}
}

func TestStreakFormatting(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", AllTime: 400}}}
	reporter, sink, traffic := newTestReporter(t, gateway, quietDay)

	// Stored days 100 -> 200 -> 300 give two positive deltas; the live
	// counter at 400 adds yesterday's as the third.
	for i, allTime := range []int64{100, 200, 300} {
		date := quietDay.AddDate(0, 0, -4+i).Format("2006-01-02")
		if err := traffic.SaveSnapshot(ctx, "tg_1_vasya", allTime, date); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if !strings.Contains(sink.reports[0], "3/3д") {
		t.Fatalf("activity column should show 3 active of 3 tracked days:\n%s", sink.reports[0])
	}
}

func TestRunDailyLiveDeltaEntersStreak(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", AllTime: 200}}}
	reporter, sink, traffic := newTestReporter(t, gateway, quietDay)

	// Four flat snapshots, then usage yesterday that only the live
	// counter knows about. The client must not show as inactive.
	for i := 0; i < 4; i++ {
		date := quietDay.AddDate(0, 0, -2-i).Format("2006-01-02")
		if err := traffic.SaveSnapshot(ctx, "tg_1_vasya", 100, date); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if strings.Contains(sink.reports[0], "молчит") {
		t.Fatalf("yesterday's activity must end the inactive streak:\n%s", sink.reports[0])
	}
	if !strings.Contains(sink.reports[0], "+100 B") || !strings.Contains(sink.reports[0], "1/4д") {
		t.Fatalf("want the live delta counted as one active day of four:\n%s", sink.reports[0])
	}
}

func TestPeriodReportIncludesClientsWithoutHistory(t *testing.T) {
	ctx := context.Background()
	monday := time.Date(2025, 3, 17, 0, 1, 0, 0, time.UTC)
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{
		{Email: "tg_1_vasya", AllTime: 100},
		{Email: "tg_2_petya", AllTime: 900},
	}}
	reporter, sink, traffic := newTestReporter(t, gateway, monday)

	// Only one client has history rows in the window; the other still
	// gets a line with its all_time and zero period traffic.
	if err := traffic.SaveHistory(ctx, "tg_1_vasya", 0, 70, "2025-03-14"); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if len(sink.reports) != 2 {
		t.Fatalf("sent %d reports, want daily + weekly", len(sink.reports))
	}
	weekly := sink.reports[1]
	if !strings.Contains(weekly, "tg_2_petya") {
		t.Fatalf("client without history must still be listed:\n%s", weekly)
	}
	if !strings.Contains(weekly, "900 B") {
		t.Fatalf("weekly report must keep the all_time column:\n%s", weekly)
	}
	if !strings.Contains(weekly, "1 из 7 дн.") || !strings.Contains(weekly, "0 из 7 дн.") {
		t.Fatalf("activity must count days against the period length:\n%s", weekly)
	}
	// Busiest in the period first, regardless of all_time.
	if strings.Index(weekly, "tg_1_vasya") > strings.Index(weekly, "tg_2_petya") {
		t.Fatalf("rows must be ordered by period traffic:\n%s", weekly)
	}
}

func TestReportHasColumnsAndTimestamp(t *testing.T) {
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", AllTime: 100}}}
	reporter, sink, _ := newTestReporter(t, gateway, quietDay)

	if err := reporter.RunDaily(context.Background()); err != nil {
		t.Fatalf("run daily: %v", err)
	}
	report := sink.reports[0]
	for _, want := range []string{"Профиль", "Δ вчера", "2025-03-18 00:01:00"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report is missing %q:\n%s", want, report)
		}
	}
}

func TestCounterResetLeavesHistoryIntact(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{traffic: []xui.ClientTraffic{{Email: "tg_1_vasya", Up: 30, Down: 170, AllTime: 200}}}
	reporter, _, traffic := newTestReporter(t, gateway, quietDay)

	if err := traffic.SaveSnapshot(ctx, "tg_1_vasya", 50, "2025-03-16"); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	if err := reporter.RunDaily(ctx); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	// Panel-side reset zeroes the live counters only.
	if err := gateway.ResetTraffic(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	table, _ := gateway.TrafficTable(ctx)
	if table[0].AllTime != 0 {
		t.Fatalf("reset must zero live counters, got %d", table[0].AllTime)
	}

	totals, err := traffic.Stats(ctx, "2025-03-17", "2025-03-17")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(totals) != 1 || totals[0].TotalDown != 150 {
		t.Fatalf("persisted history must survive the reset, got %+v", totals)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatActivityInactiveStreak(t *testing.T) {
	row := DailyRow{TotalDays: 5, ActiveDays: 2, ConsecutiveInactive: 3}
	if got := formatActivity(row); got != "молчит 3д" {
		t.Errorf("formatActivity = %q", got)
	}
	row = DailyRow{}
	if got := formatActivity(row); got != "—" {
		t.Errorf("formatActivity with no history = %q", got)
	}
}
