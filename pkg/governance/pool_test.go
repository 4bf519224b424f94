package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/runkernel"
)

func TestPool_RunsConcurrently(t *testing.T) {
	f := newFixture(t, Config{})
	f.activate(t, guardedSet(), nil)
	pool := NewPool(f.runner(RunnerConfig{}), PoolConfig{Workers: 4, QueueSize: 32}, nil)
	pool.Start(context.Background())
	defer pool.Close()

	const runs = 20
	chans := make([]<-chan Outcome, 0, runs)
	for i := 0; i < runs; i++ {
		ch, err := pool.Submit(context.Background(), RunRequest{
			RunID:   fmt.Sprintf("run-%d", i),
			Subject: subject(""),
			Steps:   []Step{{Name: "list", Input: stepInput("ls")}},
		})
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		chans = append(chans, ch)
	}

	seen := make(map[string]bool)
	for _, ch := range chans {
		select {
		case out := <-ch:
			if out.Err != nil {
				t.Errorf("run error = %v", out.Err)
				continue
			}
			if out.Result.Phase != runkernel.PhaseCompleted {
				t.Errorf("run %s phase = %s", out.Result.RunID, out.Result.Phase)
			}
			seen[out.Result.RunID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for pooled run")
		}
	}
	if len(seen) != runs {
		t.Errorf("completed %d distinct runs, want %d", len(seen), runs)
	}
}

func TestPool_QueueFull(t *testing.T) {
	f := newFixture(t, Config{})
	f.activate(t, guardedSet(), nil)

	running := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := ExecutorFunc(func(context.Context, string, Step, []policy.Intent) error {
		once.Do(func() { close(running) })
		<-release
		return nil
	})
	pool := NewPool(f.runner(RunnerConfig{Executor: exec}), PoolConfig{Workers: 1, QueueSize: 1}, nil)
	pool.Start(context.Background())

	req := RunRequest{Subject: subject(""), Steps: []Step{{Name: "block"}}}
	first, err := pool.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-running

	second, err := pool.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := pool.Submit(context.Background(), req); !errors.Is(err, ErrPoolQueueFull) {
		t.Errorf("Submit() error = %v, want ErrPoolQueueFull", err)
	}

	close(release)
	pool.Close()

	// Close drains queued runs before returning.
	for i, ch := range []<-chan Outcome{first, second} {
		select {
		case out := <-ch:
			if out.Err != nil {
				t.Errorf("run %d error = %v", i, out.Err)
			}
		default:
			t.Errorf("run %d not answered after Close", i)
		}
	}
}

func TestPool_Lifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	pool := NewPool(f.runner(RunnerConfig{}), PoolConfig{}, nil)

	if _, err := pool.Submit(context.Background(), RunRequest{}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Submit() before Start error = %v, want ErrPoolNotStarted", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := pool.Submit(context.Background(), RunRequest{})
		if errors.Is(err, ErrPoolClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Submit() after cancel error = %v, want ErrPoolClosed", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	pool.Close()
	pool.Close()
}

func TestPool_RunHonorsContext(t *testing.T) {
	f := newFixture(t, Config{})
	f.activate(t, guardedSet(), nil)
	pool := NewPool(f.runner(RunnerConfig{}), PoolConfig{Workers: 1}, nil)
	pool.Start(context.Background())
	defer pool.Close()

	res, err := pool.Run(context.Background(), RunRequest{Subject: subject("")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Phase != runkernel.PhaseCompleted {
		t.Errorf("Phase = %s, want COMPLETED", res.Phase)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Run(ctx, RunRequest{Subject: subject("")}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() with cancelled context error = %v, want context.Canceled", err)
	}
}
