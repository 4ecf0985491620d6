package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "ja"}
	handle, err := fb.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	defer handle.Close()

	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
	if got := primary.StartStreamCalls[0].Cfg; got != cfg {
		t.Fatalf("cfg = %+v, want %+v", got, cfg)
	}
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{FinalsOnClose: []stt.Transcript{{Text: "こんにちは"}}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondary.CallCount() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.CallCount())
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var texts []string
	for tr := range handle.Finals() {
		texts = append(texts, tr.Text)
	}
	if len(texts) != 1 || texts[0] != "こんにちは" {
		t.Fatalf("finals = %v, want [こんにちは]", texts)
	}
}

func TestSTTFallback_StartStream_AllFail(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
