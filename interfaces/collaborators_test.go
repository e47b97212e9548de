package interfaces

import (
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := map[TransferStatus]bool{
		StatusStarted:   false,
		StatusProgress:  false,
		StatusRetrying:  false,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusRejected:  true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStatusEventPercent(t *testing.T) {
	tests := []struct {
		bytes, total int64
		want         float64
	}{
		{0, 100, 0},
		{50, 200, 25},
		{1048576, 1048576, 100},
		{0, 0, 100},
	}
	for _, tt := range tests {
		e := StatusEvent{Bytes: tt.bytes, Total: tt.total}
		if got := e.Percent(); got != tt.want {
			t.Errorf("Percent(%d/%d) = %v, want %v", tt.bytes, tt.total, got, tt.want)
		}
	}
}

func TestStatusSinkFunc(t *testing.T) {
	var got StatusEvent
	var sink StatusSink = StatusSinkFunc(func(e StatusEvent) { got = e })
	sink.Report(StatusEvent{TransferID: "abc", Status: StatusSucceeded})
	if got.TransferID != "abc" || got.Status != StatusSucceeded {
		t.Errorf("unexpected event %+v", got)
	}
}
