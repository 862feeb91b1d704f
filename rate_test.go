package irkd

import (
	"testing"
	"time"
)

func TestBackoffer(t *testing.T) {
	b := newBackoffer(2*time.Second, 30*time.Second)

	if d := b.Next(); d != 0 {
		t.Errorf("first attempt waits %v, but want no delay", d)
	}

	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		if d < time.Second {
			t.Errorf("attempt %d waits %v, below half the base", i+2, d)
		}
		if d > 45*time.Second {
			t.Errorf("attempt %d waits %v, above the jittered cap", i+2, d)
		}
		if i > 0 && prev > 20*time.Second && d < 10*time.Second {
			t.Errorf("backoff collapsed from %v to %v", prev, d)
		}
		prev = d
	}

	b.Reset()
	if d := b.Next(); d != 0 {
		t.Errorf("after Reset the first attempt waits %v, but want no delay", d)
	}
}
