package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nhle/mailcore/internal/events"
	"github.com/nhle/mailcore/internal/model"
	"github.com/nhle/mailcore/internal/testutil"
	"github.com/nhle/mailcore/internal/transport"
)

const (
	user = "alice@example.org"
	pass = "secret"
)

// jobRecorder collects enqueued jobs.
type jobRecorder struct {
	mu   sync.Mutex
	jobs []model.FolderPayload
}

func (r *jobRecorder) enqueue(_ context.Context, kind model.JobKind, payload []byte) (int64, error) {
	var p model.FolderPayload
	if err := model.DecodePayload(payload, &p); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, p)
	return int64(len(r.jobs)), nil
}

func (r *jobRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func run(t *testing.T, r interface{ Run(context.Context) error }) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("listener did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestIMAPIdleSchedulesFetches(t *testing.T) {
	host, port := testutil.StartIMAP(t, user, pass, "INBOX")
	client := transport.NewIMAPClient(
		model.Settings{Addr: user, IMAPHost: host, IMAPPort: port}, pass, transport.WithoutTLS())

	rec := &jobRecorder{}
	l := NewIMAPIdle(client, "INBOX", rec.enqueue, nil, model.ListenerConfig{
		IdleCycle:         100 * time.Millisecond,
		PollInterval:      100 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	assert.Equal(t, "imap:INBOX", l.Name())

	stop := run(t, l)

	// One fetch on connect, more as idle cycles expire.
	assert.Eventually(t, func() bool { return rec.count() >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count() >= 3 }, 5*time.Second, 10*time.Millisecond)

	stop()
	n := rec.count()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, n, rec.count(), "no fetches after stop")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, p := range rec.jobs {
		assert.Equal(t, "INBOX", p.Folder)
	}
}

func TestIMAPIdleWatchesEachConfiguredFolder(t *testing.T) {
	settings := model.Settings{InboxFolder: "INBOX", SentFolder: "Sent", MvboxFolder: "DeltaChat"}
	host, port := testutil.StartIMAP(t, user, pass, settings.WatchedFolders()...)
	settings.Addr, settings.IMAPHost, settings.IMAPPort = user, host, port
	client := transport.NewIMAPClient(settings, pass, transport.WithoutTLS())

	rec := &jobRecorder{}
	cfg := model.ListenerConfig{
		IdleCycle:         time.Hour,
		PollInterval:      time.Hour,
		ReconnectInterval: 10 * time.Millisecond,
	}
	var names []string
	for _, folder := range settings.WatchedFolders() {
		l := NewIMAPIdle(client, folder, rec.enqueue, nil, cfg, zaptest.NewLogger(t))
		names = append(names, l.Name())
		run(t, l)
	}
	assert.Equal(t, []string{"imap:INBOX", "imap:DeltaChat", "imap:Sent"}, names)

	// Each listener schedules a fetch of its own folder on connect.
	seen := func() map[string]bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		m := map[string]bool{}
		for _, p := range rec.jobs {
			m[p.Folder] = true
		}
		return m
	}
	assert.Eventually(t, func() bool { return len(seen()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]bool{"INBOX": true, "DeltaChat": true, "Sent": true}, seen())
}

func TestIMAPIdleReportsLoginFailure(t *testing.T) {
	host, port := testutil.StartIMAP(t, user, pass, "INBOX")
	client := transport.NewIMAPClient(
		model.Settings{Addr: user, IMAPHost: host, IMAPPort: port}, "wrong", transport.WithoutTLS())

	q := events.NewQueue()
	rec := &jobRecorder{}
	l := NewIMAPIdle(client, "INBOX", rec.enqueue, q.Emitter(), model.ListenerConfig{
		ReconnectInterval: time.Hour,
	}, zaptest.NewLogger(t))
	run(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventWarning, ev.Type)
	assert.Contains(t, ev.Data3, "auth error")
	assert.Zero(t, rec.count())
}

func TestSMTPWatcherProbesOnInterrupt(t *testing.T) {
	var calls atomic.Int32
	fail := errors.New("connection refused")

	q := events.NewQueue()
	w := NewSMTPWatcher(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return fail
		}
		return nil
	}, time.Hour, q.Emitter(), zaptest.NewLogger(t))
	assert.Equal(t, "smtp", w.Name())
	run(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w.Interrupt()
	ev, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventNetworkProbe, ev.Type)
	assert.EqualValues(t, 0, ev.Data1)
	assert.Equal(t, fail.Error(), ev.Data3)

	w.Interrupt()
	ev, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ev.Data1)
}

func TestSMTPWatcherTicks(t *testing.T) {
	var calls atomic.Int32
	w := NewSMTPWatcher(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, 10*time.Millisecond, nil, zaptest.NewLogger(t))
	stop := run(t, w)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	stop()
}
