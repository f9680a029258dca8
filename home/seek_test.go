package home

import (
	"testing"
	"time"
)

func TestParsePosition(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"90", 90 * time.Second, false},
		{"0", 0, false},
		{" 45 ", 45 * time.Second, false},
		{"1:30", 90 * time.Second, false},
		{"10:00", 10 * time.Minute, false},
		{"1:02:15", time.Hour + 2*time.Minute + 15*time.Second, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5", 0, true},
		{"1:-30", 0, true},
		{"1:2:3:4", 0, true},
	}
	for _, c := range cases {
		got, err := parsePosition(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parsePosition(%q) err = nil, want error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePosition(%q) err = %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parsePosition(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFmtDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{12 * time.Second, "0:12"},
		{200 * time.Second, "3:20"},
		{time.Hour + 5*time.Minute + 20*time.Second, "1:05:20"},
		{10 * time.Hour, "10:00:00"},
		{1500 * time.Millisecond, "0:02"},
	}
	for _, c := range cases {
		if got := fmtDuration(c.in); got != c.want {
			t.Errorf("fmtDuration(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
