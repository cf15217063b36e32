package jobid

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGenerator_Next(t *testing.T) {
	g := NewGenerator()
	today := time.Now().Format("20060102")

	for i := 1; i <= 3; i++ {
		want := fmt.Sprintf("job_%s_%03d", today, i)
		if got := g.Next(); got != want {
			t.Fatalf("Next() = %q, want %q", got, want)
		}
	}
}

func TestGenerator_Seed(t *testing.T) {
	g := NewGenerator()
	today := time.Now().Format("20060102")

	g.Seed([]string{
		"job_" + today + "_004",
		"job_" + today + "_002",
		"job_20200101_099",    // another day
		"job_" + today + "_x", // malformed counter
		"task-uuid-like",
	})

	if got, want := g.Next(), fmt.Sprintf("job_%s_%03d", today, 5); got != want {
		t.Fatalf("Next() after seed = %q, want %q", got, want)
	}
}

func TestGenerator_SeedNeverMovesBackward(t *testing.T) {
	g := NewGenerator()
	today := time.Now().Format("20060102")

	g.Next()
	g.Next()
	g.Seed([]string{"job_" + today + "_001"})

	if got, want := g.Next(), fmt.Sprintf("job_%s_%03d", today, 3); got != want {
		t.Fatalf("Next() = %q, want %q", got, want)
	}
}

func TestGenerator_DateRollover(t *testing.T) {
	current := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	g := NewGenerator()
	g.now = func() time.Time { return current }

	if got := g.Next(); got != "job_20260301_001" {
		t.Fatalf("Next() = %q", got)
	}
	if got := g.Next(); got != "job_20260301_002" {
		t.Fatalf("Next() = %q", got)
	}

	current = current.Add(2 * time.Minute) // past midnight
	if got := g.Next(); got != "job_20260302_001" {
		t.Fatalf("Next() after rollover = %q", got)
	}
}

func TestGenerator_Concurrency(t *testing.T) {
	g := NewGenerator()

	const goroutines = 50
	const perGoroutine = 10

	ids := make(chan string, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate ID %q", id)
		}
		seen[id] = true
	}
	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("got %d unique IDs, want %d", len(seen), goroutines*perGoroutine)
	}
}
