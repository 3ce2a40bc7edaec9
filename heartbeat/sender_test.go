package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/fragkit/bus"
)

func TestHeartbeat_Marshal(t *testing.T) {
	hb := &Heartbeat{
		WorkerID:  "w1",
		Service:   "render",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Active:    3,
	}
	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.WorkerID != "w1" || got.Service != "render" || got.Active != 3 {
		t.Errorf("got %+v", got)
	}
	if !got.Timestamp.Equal(hb.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, hb.Timestamp)
	}
}

func TestHeartbeat_Subject(t *testing.T) {
	tests := []struct {
		service string
		want    string
	}{
		{"render", "heartbeat.render"},
		{"video.encode", "heartbeat.video_encode"},
	}
	for _, tt := range tests {
		hb := &Heartbeat{Service: tt.service}
		if got := hb.Subject(); got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.service, got, tt.want)
		}
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	if _, err := Unmarshal([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSenderConfig_Validate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Bus: b, WorkerID: "w1", Service: "render"}, false},
		{"missing bus", SenderConfig{WorkerID: "w1", Service: "render"}, true},
		{"missing worker", SenderConfig{Bus: b, Service: "render"}, true},
		{"missing service", SenderConfig{Bus: b, WorkerID: "w1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func newTestSender(t *testing.T, b bus.MessageBus) *BusSender {
	t.Helper()
	s, err := NewBusSender(SenderConfig{
		Bus:      b,
		WorkerID: "w1",
		Service:  "render",
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBusSender error: %v", err)
	}
	return s
}

func TestBusSender_StartStop(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("heartbeat.render")
	defer sub.Unsubscribe()

	sender := newTestSender(t, b)
	sender.SetActive(2)
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		hb, err := Unmarshal(msg.Data)
		if err != nil {
			t.Fatalf("Unmarshal error: %v", err)
		}
		if hb.WorkerID != "w1" || hb.Active != 2 {
			t.Errorf("got %+v", hb)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}

	if err := sender.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestBusSender_DoubleStart(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sender := newTestSender(t, b)
	sender.Start(context.Background())
	defer sender.Stop()

	if err := sender.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestBusSender_StopBeforeStart(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	if err := newTestSender(t, b).Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestBusSender_Restart(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sender := newTestSender(t, b)
	for i := 0; i < 2; i++ {
		if err := sender.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d error: %v", i+1, err)
		}
		if err := sender.Stop(); err != nil {
			t.Fatalf("Stop #%d error: %v", i+1, err)
		}
	}
}

func TestBusSender_ContextCancel(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("heartbeat.render")
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	sender := newTestSender(t, b)
	sender.Start(ctx)
	<-sub.Messages()
	cancel()

	// Stop still returns once the loop has exited on its own.
	done := make(chan struct{})
	go func() {
		sender.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestBusSender_SetActiveClamps(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	sender := newTestSender(t, b)
	sender.SetActive(-4)
	if got := sender.Heartbeat().Active; got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}
