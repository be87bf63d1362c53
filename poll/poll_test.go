package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lsst-ts/stdscripts/sal"
)

func TestUntilSucceeds(t *testing.T) {
	n := 0
	err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		n++
		return n == 3, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("check called %d times, want 3", n)
	}
}

func TestUntilTimeout(t *testing.T) {
	err := Until(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v want ErrTimeout", err)
	}
}

func TestUntilCheckError(t *testing.T) {
	boom := errors.New("boom")
	err := Until(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("got %v want boom", err)
	}
}

func TestUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Until(ctx, 2*time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v want context.Canceled", err)
	}
}

func TestSampleReachesTolerance(t *testing.T) {
	r := sal.NewReader("temperatures")
	go func() {
		for _, v := range []float64{30, 26, 22, 20.5} {
			time.Sleep(2 * time.Millisecond)
			r.Push(sal.Sample{"coolantSupply": v})
		}
	}()
	s, err := Sample(context.Background(), r, Options{Flush: true, Timeout: time.Second}, func(s sal.Sample) (bool, error) {
		v, err := s.Float("coolantSupply")
		return WithinRelative(v, 20, 0.2), err
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Float("coolantSupply"); v != 22 {
		t.Errorf("accepted %v, want 22 (first within 20%%)", v)
	}
}

func TestSampleCurrentValue(t *testing.T) {
	r := sal.NewReader("lampState")
	r.Push(sal.Sample{"basicState": 2})
	_, err := Sample(context.Background(), r, Options{Current: true, Timeout: 10 * time.Millisecond}, func(s sal.Sample) (bool, error) {
		v, _ := s.Int("basicState")
		return v == 2, nil
	})
	if err != nil {
		t.Errorf("current value should satisfy the wait: %v", err)
	}
}

func TestSampleTimeout(t *testing.T) {
	r := sal.NewReader("lampState")
	r.Push(sal.Sample{"basicState": 1})
	_, err := Sample(context.Background(), r, Options{Current: true, Timeout: 20 * time.Millisecond}, func(s sal.Sample) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v want ErrTimeout", err)
	}
}

func TestSampleReadTimeout(t *testing.T) {
	r := sal.NewReader("temperatures")
	start := time.Now()
	_, err := Sample(context.Background(), r, Options{ReadTimeout: 10 * time.Millisecond, Timeout: time.Second}, func(s sal.Sample) (bool, error) {
		return true, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v want ErrTimeout", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("a silent topic should fail after the read timeout, not the overall timeout")
	}
}

func TestWithin(t *testing.T) {
	if !WithinRelative(23.9, 20, 0.2) || WithinRelative(24.1, 20, 0.2) {
		t.Error("relative tolerance")
	}
	if !WithinAbsolute(-0.5, 0, 0.5) || WithinAbsolute(0.6, 0, 0.5) {
		t.Error("absolute tolerance")
	}
}
