package reload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robinbraemer/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestDebouncer(t *testing.T) {
	var calls atomic.Int32
	d := &debouncer{delay: 20 * time.Millisecond, fn: func() { calls.Inc() }}
	for range 5 {
		d.trigger()
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.stop()
	d.trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "injections.yml")
	require.NoError(t, os.WriteFile(path, []byte("injections: []\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan struct{}, 1)
	require.NoError(t, Watch(ctx, []string{path}, func() error {
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	}))

	require.NoError(t, os.WriteFile(path, []byte("injections: [] # changed\n"), 0o644))
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}
}

func TestUpdateEvent(t *testing.T) {
	type descriptors struct{ n int }
	mgr := event.New()
	var (
		mu  sync.Mutex
		got []int
	)
	unsubscribe := Subscribe(mgr, func(e *UpdateEvent[descriptors]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Value.n)
	})
	FireUpdate(mgr, &descriptors{n: 1})
	unsubscribe()
	FireUpdate(mgr, &descriptors{n: 2})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, got)
}
