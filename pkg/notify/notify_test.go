package notify

import (
	"log/slog"
	"testing"
)

func TestNotifyOnceDeduplicates(t *testing.T) {
	var got []Notification
	d := NewDeduper(func(n Notification) { got = append(got, n) }, slog.Default())

	if !d.NotifyOnce("camera unavailable", SeverityError) {
		t.Fatal("first delivery should succeed")
	}
	if d.NotifyOnce("camera unavailable", SeverityError) {
		t.Fatal("duplicate should be suppressed")
	}
	if !d.NotifyOnce("analysis inactive", SeverityWarning) {
		t.Fatal("distinct message should deliver")
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].Message != "camera unavailable" || got[0].Severity != SeverityError {
		t.Fatalf("unexpected first notification: %+v", got[0])
	}
}

func TestResetAllowsRedelivery(t *testing.T) {
	count := 0
	d := NewDeduper(func(Notification) { count++ }, nil)

	d.NotifyOnce("capture ended", SeverityInfo)
	d.NotifyOnce("capture ended", SeverityInfo)
	d.Reset()
	if !d.NotifyOnce("capture ended", SeverityInfo) {
		t.Fatal("message should deliver again after reset")
	}
	if count != 2 {
		t.Fatalf("expected 2 deliveries, got %d", count)
	}
}

func TestNilSinkDoesNotPanic(t *testing.T) {
	d := NewDeduper(nil, nil)
	if !d.NotifyOnce("hello", SeverityInfo) {
		t.Fatal("delivery should report true even without a sink")
	}
}
