package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	durable "github.com/goliatone/go-durable"
)

func TestLockManagerAcquireRelease(t *testing.T) {
	locks := NewLockManager()
	account := durable.NewEntityID("account", "1")

	if err := locks.Acquire(context.Background(), "owner-a", []durable.EntityID{account}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if owner := locks.Owner(account); owner != "owner-a" {
		t.Fatalf("owner = %q, want owner-a", owner)
	}

	locks.Release("owner-a", []durable.EntityID{account})
	if owner := locks.Owner(account); owner != "" {
		t.Fatalf("owner after release = %q, want empty", owner)
	}
}

func TestLockManagerReentrantForSameOwner(t *testing.T) {
	locks := NewLockManager()
	account := durable.NewEntityID("account", "1")

	if err := locks.Acquire(context.Background(), "owner-a", []durable.EntityID{account}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := locks.Acquire(context.Background(), "owner-a", []durable.EntityID{account}); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
}

func TestLockManagerFIFOHandoff(t *testing.T) {
	locks := NewLockManager()
	account := durable.NewEntityID("account", "1")
	set := []durable.EntityID{account}

	if err := locks.Acquire(context.Background(), "first", set); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan string, 2)
	var wg sync.WaitGroup
	start := func(owner string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := locks.Acquire(context.Background(), owner, set); err != nil {
				t.Errorf("acquire %s: %v", owner, err)
				return
			}
			order <- owner
			locks.Release(owner, set)
		}()
	}
	start("second")
	time.Sleep(50 * time.Millisecond) // second must queue before third
	start("third")
	time.Sleep(50 * time.Millisecond)

	locks.Release("first", set)
	wg.Wait()
	close(order)

	got := make([]string, 0, 2)
	for owner := range order {
		got = append(got, owner)
	}
	if len(got) != 2 || got[0] != "second" || got[1] != "third" {
		t.Fatalf("handoff order = %v, want [second third]", got)
	}
}

func TestLockManagerTimeoutReleasesPartialAcquisition(t *testing.T) {
	locks := NewLockManager()
	a := durable.NewEntityID("account", "a")
	b := durable.NewEntityID("account", "b")

	// another instance holds b, so acquiring {a, b} stalls on b
	if err := locks.Acquire(context.Background(), "holder", []durable.EntityID{b}); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := locks.Acquire(ctx, "blocked", []durable.EntityID{a, b})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if durable.ErrorCode(err) != durable.ErrCodeLockTimeout {
		t.Fatalf("unexpected code %q", durable.ErrorCode(err))
	}
	// a was acquired before stalling on b; timeout must give it back
	if owner := locks.Owner(a); owner != "" {
		t.Fatalf("partial acquisition leaked: %q still owns %s", owner, a)
	}
	if owner := locks.Owner(b); owner != "holder" {
		t.Fatalf("holder lost its lock: owner = %q", owner)
	}
}

func TestLockManagerOppositeOrdersDoNotDeadlock(t *testing.T) {
	locks := NewLockManager()
	a := durable.NewEntityID("account", "a")
	b := durable.NewEntityID("account", "b")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		set := []durable.EntityID{a, b}
		if i == 1 {
			set = []durable.EntityID{b, a}
		}
		owner := "owner-a"
		if i == 1 {
			owner = "owner-b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				if err := locks.Acquire(context.Background(), owner, set); err != nil {
					t.Errorf("acquire %s: %v", owner, err)
					return
				}
				locks.Release(owner, set)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("opposite-order acquisitions deadlocked")
	}
}
