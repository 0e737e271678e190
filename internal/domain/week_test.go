package domain

import "testing"

func TestIsMonday(t *testing.T) {
	cases := []struct {
		date string
		want bool
	}{
		{"2024-06-03", true},
		{"2024-06-04", false},
		{"2024-06-09", false},
		{"2024-12-30", true},
		{"not-a-date", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsMonday(tc.date); got != tc.want {
			t.Errorf("IsMonday(%q) = %v, want %v", tc.date, got, tc.want)
		}
	}
}

func TestWeekDates(t *testing.T) {
	dates, err := WeekDates("2024-06-03")
	if err != nil {
		t.Fatalf("WeekDates: %v", err)
	}
	if len(dates) != 7 {
		t.Fatalf("len = %d, want 7", len(dates))
	}
	if dates[0] != "2024-06-03" || dates[6] != "2024-06-09" {
		t.Fatalf("range = %s..%s", dates[0], dates[6])
	}

	// month boundary
	dates, err = WeekDates("2024-12-30")
	if err != nil {
		t.Fatalf("WeekDates: %v", err)
	}
	if dates[6] != "2025-01-05" {
		t.Fatalf("year rollover end = %s", dates[6])
	}

	if _, err := WeekDates("garbage"); err == nil {
		t.Fatal("expected error for bad date")
	}
}

func TestWeekEnd(t *testing.T) {
	end, err := WeekEnd("2024-06-03")
	if err != nil {
		t.Fatalf("WeekEnd: %v", err)
	}
	if end != "2024-06-09" {
		t.Fatalf("end = %s", end)
	}
}

func TestWeekContains(t *testing.T) {
	cases := []struct {
		date string
		want bool
	}{
		{"2024-06-03", true},
		{"2024-06-09", true},
		{"2024-06-06", true},
		{"2024-06-02", false},
		{"2024-06-10", false},
		{"bogus", false},
	}
	for _, tc := range cases {
		if got := WeekContains("2024-06-03", tc.date); got != tc.want {
			t.Errorf("WeekContains(2024-06-03, %q) = %v, want %v", tc.date, got, tc.want)
		}
	}
}

func TestValidClock(t *testing.T) {
	for _, ok := range []string{"00:00", "09:30", "23:59"} {
		if !ValidClock(ok) {
			t.Errorf("ValidClock(%q) = false", ok)
		}
	}
	for _, bad := range []string{"24:00", "9:3", "nine", "12:60", ""} {
		if ValidClock(bad) {
			t.Errorf("ValidClock(%q) = true", bad)
		}
	}
}
