package relay

import (
	"errors"
	"testing"
)

func TestRateLimiterFrameSize(t *testing.T) {
	rl := NewRateLimiter(Limits{MaxFrameSize: 10})

	if err := rl.Allow("alpha/A", 10); err != nil {
		t.Errorf("Allow at limit: %v", err)
	}
	if err := rl.Allow("alpha/A", 11); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Allow over limit err = %v, want ErrFrameTooLarge", err)
	}
	if n := rl.DropCount("alpha/A"); n != 1 {
		t.Errorf("DropCount = %d, want 1", n)
	}
}

func TestRateLimiterPeerBurst(t *testing.T) {
	rl := NewRateLimiter(Limits{PeerFramesPerSecond: 0.001, PeerBurst: 2})

	for i := 0; i < 2; i++ {
		if err := rl.Allow("alpha/A", 1); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	if err := rl.Allow("alpha/A", 1); !errors.Is(err, ErrPeerLimit) {
		t.Errorf("third Allow err = %v, want ErrPeerLimit", err)
	}

	// Other connections have their own budget.
	if err := rl.Allow("alpha/B", 1); err != nil {
		t.Errorf("Allow for B: %v", err)
	}

	rl.RemovePeer("alpha/A")
	if err := rl.Allow("alpha/A", 1); err != nil {
		t.Errorf("Allow after RemovePeer: %v", err)
	}
}

func TestRateLimiterGlobal(t *testing.T) {
	rl := NewRateLimiter(Limits{GlobalFramesPerSecond: 0.001, GlobalBurst: 1})

	if err := rl.Allow("alpha/A", 1); err != nil {
		t.Fatalf("first Allow: %v", err)
	}
	if err := rl.Allow("alpha/B", 1); !errors.Is(err, ErrGlobalLimit) {
		t.Errorf("second Allow err = %v, want ErrGlobalLimit", err)
	}
}

func TestDefaultLimitsApplied(t *testing.T) {
	got := NewRateLimiter(Limits{}).Limits()
	if got != DefaultLimits() {
		t.Errorf("Limits = %+v, want %+v", got, DefaultLimits())
	}
}
