package clock

import (
	"testing"
	"time"
)

func TestFake_SetAndAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFake(start)
	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now = %v, want %v", got, start)
	}
	got := c.Advance(90 * time.Second)
	if want := start.Add(90 * time.Second); !got.Equal(want) {
		t.Errorf("Advance = %v, want %v", got, want)
	}
	later := start.Add(time.Hour)
	c.Set(later)
	if got := c.Now(); !got.Equal(later) {
		t.Errorf("Now after Set = %v, want %v", got, later)
	}
}

func TestOrSystem(t *testing.T) {
	if _, ok := OrSystem(nil).(System); !ok {
		t.Error("OrSystem(nil) should return System")
	}
	f := NewFake(time.Unix(0, 0))
	if OrSystem(f) != Clock(f) {
		t.Error("OrSystem should return the given clock")
	}
}
