package sip

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistrationNotifier_WaitThenNotify(t *testing.T) {
	n := NewRegistrationNotifier()

	var registered bool
	done := make(chan struct{})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registered = n.WaitForRegistration(ctx, "alice@sipcore")
		close(done)
	}()

	// Give the goroutine time to subscribe.
	time.Sleep(10 * time.Millisecond)

	// Simulate the app registering after receiving the push.
	n.Notify("alice@sipcore")

	<-done
	if !registered {
		t.Error("expected WaitForRegistration to return true after Notify")
	}
}

func TestRegistrationNotifier_Timeout(t *testing.T) {
	n := NewRegistrationNotifier()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	registered := n.WaitForRegistration(ctx, "bob@sipcore")
	if registered {
		t.Error("expected WaitForRegistration to return false on timeout")
	}
}

func TestRegistrationNotifier_NotifyBeforeWait(t *testing.T) {
	n := NewRegistrationNotifier()

	// Notify with no subscribers — should not panic.
	n.Notify("carol@sipcore")

	// Subsequent wait should timeout since the notification was already consumed.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	registered := n.WaitForRegistration(ctx, "carol@sipcore")
	if registered {
		t.Error("expected WaitForRegistration to return false when Notify happened before subscribe")
	}
}

func TestRegistrationNotifier_MultipleWaiters(t *testing.T) {
	n := NewRegistrationNotifier()

	const numWaiters = 5
	results := make([]bool, numWaiters)
	var wg sync.WaitGroup

	for i := 0; i < numWaiters; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			results[idx] = n.WaitForRegistration(ctx, "dave@sipcore")
		}(i)
	}

	// Give goroutines time to subscribe.
	time.Sleep(20 * time.Millisecond)

	// Single Notify should wake all waiters.
	n.Notify("dave@sipcore")

	wg.Wait()

	for i, r := range results {
		if !r {
			t.Errorf("waiter %d: expected true, got false", i)
		}
	}
}

func TestRegistrationNotifier_DifferentAORs(t *testing.T) {
	n := NewRegistrationNotifier()

	var aliceRegistered, bobRegistered bool
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		aliceRegistered = n.WaitForRegistration(ctx, "alice@sipcore")
	}()

	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		bobRegistered = n.WaitForRegistration(ctx, "bob@sipcore")
	}()

	time.Sleep(20 * time.Millisecond)

	// Only notify alice — bob should timeout.
	n.Notify("alice@sipcore")

	wg.Wait()

	if !aliceRegistered {
		t.Error("alice@sipcore: expected registered=true")
	}
	if bobRegistered {
		t.Error("bob@sipcore: expected registered=false (no notification sent)")
	}
}

func TestRegistrationNotifier_SubscribeCancel(t *testing.T) {
	n := NewRegistrationNotifier()

	ch, cancel := n.Subscribe("eve@sipcore")

	// Cancel the subscription.
	cancel()

	// Notify should not block or panic after cancel.
	n.Notify("eve@sipcore")

	// The channel should not have been closed by the cancelled subscription.
	select {
	case <-ch:
		t.Error("expected channel to not be closed after cancel")
	default:
		// Expected — channel still open since we cancelled before Notify.
	}
}

func TestRegistrationNotifier_OnNotifyCallback(t *testing.T) {
	n := NewRegistrationNotifier()

	var drained []string
	n.OnNotify(func(aor string) {
		drained = append(drained, aor)
	})

	n.Notify("frank@sipcore")
	n.Notify("frank@sipcore")

	if len(drained) != 2 || drained[0] != "frank@sipcore" || drained[1] != "frank@sipcore" {
		t.Errorf("expected two callbacks for frank@sipcore, got %v", drained)
	}
}

// TestRegistrationNotifier_PushWakeFlow simulates the complete push-wake flow:
//  1. INVITE arrives for an AOR with no registrations
//  2. PBX subscribes to registration events and sends push
//  3. App receives push, wakes up, sends REGISTER
//  4. Registrar calls Notify() which unblocks the waiter
//  5. PBX retries routing and finds the newly registered contact
func TestRegistrationNotifier_PushWakeFlow(t *testing.T) {
	n := NewRegistrationNotifier()

	aor := "grace@sipcore"
	pushWaitTimeout := 5 * time.Second

	// Step 1-2: PBX detects no registration, starts waiting.
	waitResult := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushWaitTimeout)
		defer cancel()
		waitResult <- n.WaitForRegistration(ctx, aor)
	}()

	// Give the goroutine time to subscribe.
	time.Sleep(20 * time.Millisecond)

	// Step 3-4: Simulate app waking from push and registering.
	// In real flow, this happens ~1-3 seconds after push delivery.
	time.Sleep(50 * time.Millisecond) // Simulate network + SIP registration delay
	n.Notify(aor)

	// Step 5: Verify the push-wait was successful.
	select {
	case registered := <-waitResult:
		if !registered {
			t.Error("push-wake flow: expected registration to be received")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push-wake flow: timed out waiting for result")
	}
}

// TestRegistrationNotifier_PushWakeTimeout simulates the scenario where the
// push is delivered but the app fails to register within the timeout (e.g.,
// app was killed and OS couldn't revive it, or network issues).
func TestRegistrationNotifier_PushWakeTimeout(t *testing.T) {
	n := NewRegistrationNotifier()

	aor := "henry@sipcore"
	pushWaitTimeout := 100 * time.Millisecond // Short timeout for test

	ctx, cancel := context.WithTimeout(context.Background(), pushWaitTimeout)
	defer cancel()

	start := time.Now()
	registered := n.WaitForRegistration(ctx, aor)
	elapsed := time.Since(start)

	if registered {
		t.Error("expected timeout (no registration)")
	}

	// Verify timeout was approximately the configured duration.
	if elapsed < 80*time.Millisecond {
		t.Errorf("timeout too fast: %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("timeout too slow: %v", elapsed)
	}
}
