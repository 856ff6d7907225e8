package timespec

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		kind    Kind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "0 4 * * *", kind: KindCron, cron: "0 4 * * *"},
		{in: "@daily", kind: KindCron, cron: "@daily"},
		{in: "cron:*/5 * * * *", kind: KindCron, cron: "*/5 * * * *"},
		{in: "55m", kind: KindInterval, every: 55 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 150 * time.Minute},
		{in: "every:1h", kind: KindInterval, every: time.Hour},
		{in: "interval:00:50", kind: KindInterval, every: 50 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "61 * * * *", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "12", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) want error, got %+v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron {
			t.Fatalf("ParseSchedule(%q)=%+v", tc.in, got)
		}
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "12", want: 12 * time.Hour},
		{in: " 1 ", want: time.Hour},
		{in: "90m", want: 90 * time.Minute},
		{in: "1:30", want: 90 * time.Minute},
		{in: "0", wantErr: true},
		{in: "-3h", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1:75", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if tc.wantErr != (err != nil) {
			t.Fatalf("ParseInterval(%q) err=%v", tc.in, err)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("ParseInterval(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseSeconds(t *testing.T) {
	t.Parallel()

	if d, err := ParseSeconds("5"); err != nil || d != 5*time.Second {
		t.Fatalf("5 => %v %v", d, err)
	}
	if d, err := ParseSeconds("0"); err != nil || d != 0 {
		t.Fatalf("0 => %v %v", d, err)
	}
	if d, err := ParseSeconds("1500ms"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("1500ms => %v %v", d, err)
	}
	for _, in := range []string{"", "-1", "x"} {
		if _, err := ParseSeconds(in); err == nil {
			t.Fatalf("ParseSeconds(%q) want error", in)
		}
	}
}

func TestFormatHours(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]string{
		12 * time.Hour:   "12h",
		90 * time.Minute: "1h30m",
		45 * time.Minute: "45m",
		0:                "0",
	}
	for in, want := range cases {
		if got := FormatHours(in); got != want {
			t.Fatalf("FormatHours(%v)=%q want %q", in, got, want)
		}
	}
}
