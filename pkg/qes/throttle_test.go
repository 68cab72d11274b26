package qes

import (
	"testing"
	"time"
)

func TestFailureCounterThrottlesAfterThreshold(t *testing.T) {
	fc := NewFailureCounter(3, time.Minute)
	key := "606358757"

	for i := 0; i < 2; i++ {
		fc.RecordFailure(key)
		if throttled, _ := fc.Throttled(key); throttled {
			t.Fatalf("expected no throttle before threshold, iteration %d", i)
		}
	}

	fc.RecordFailure(key)
	throttled, retryAfter := fc.Throttled(key)
	if !throttled {
		t.Fatal("expected throttle at threshold")
	}
	if retryAfter <= 0 {
		t.Fatal("expected a positive retry-after duration")
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	fc := NewFailureCounter(2, time.Minute)
	key := "606358757"

	fc.RecordFailure(key)
	fc.RecordFailure(key)
	if throttled, _ := fc.Throttled(key); !throttled {
		t.Fatal("expected throttle after reaching threshold")
	}

	fc.Reset(key)
	if throttled, _ := fc.Throttled(key); throttled {
		t.Fatal("expected no throttle after reset")
	}
}

func TestFailureCounterWindowElapses(t *testing.T) {
	fc := NewFailureCounter(1, 10*time.Millisecond)
	key := "606358757"

	fc.RecordFailure(key)
	if throttled, _ := fc.Throttled(key); !throttled {
		t.Fatal("expected throttle immediately after threshold")
	}

	time.Sleep(20 * time.Millisecond)
	if throttled, _ := fc.Throttled(key); throttled {
		t.Fatal("expected throttle to clear after window elapses")
	}
}
