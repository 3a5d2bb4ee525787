package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	mu    sync.Mutex
	kills int
}

func (p *fakeProcess) ID() string        { return "fake" }
func (p *fakeProcess) Write(string) bool { return true }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills == 0
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type stopCounter struct{ n int }

func (s *stopCounter) Stop() { s.n++ }

func TestStore_GetOrCreateIdempotent(t *testing.T) {
	st := NewStore(nil)

	a := st.GetOrCreate(42)
	b := st.GetOrCreate(42)

	assert.Same(t, a, b)
	assert.Equal(t, domain.StateIdle, a.State)
	assert.Equal(t, 1, st.Len())
}

func TestStore_ConcurrentFirstContact(t *testing.T) {
	st := NewStore(nil)

	var wg sync.WaitGroup
	got := make([]*Session, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = st.GetOrCreate(7)
		}(i)
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, st.Len())
}

func TestSession_KillIdempotent(t *testing.T) {
	st := NewStore(nil)
	s := st.Acquire(1)
	defer s.Unlock()

	proc := &fakeProcess{}
	timer := &stopCounter{}
	s.State = domain.StateTransferring
	s.Process = proc
	s.Summary = timer

	assert.Equal(t, proc, s.KillProcess())
	assert.Nil(t, s.Process)
	assert.Equal(t, domain.StateIdle, s.State)

	assert.NotPanics(t, func() { s.KillProcess() })
	assert.Nil(t, s.Process)
	assert.Equal(t, 1, proc.killCount())
	assert.Equal(t, 1, timer.n)
}

func TestSession_CheckInvariant(t *testing.T) {
	s := &Session{State: domain.StateAwaitingOTP}
	require.Error(t, s.CheckInvariant())

	s.Process = &fakeProcess{}
	require.NoError(t, s.CheckInvariant())

	s.State = domain.StateIdle
	require.Error(t, s.CheckInvariant())

	s.Process = nil
	require.NoError(t, s.CheckInvariant())
}

func TestStore_EvictExpiredSkipsLiveSessions(t *testing.T) {
	st := NewStore(nil)
	base := time.Now()
	st.now = func() time.Time { return base }

	idle := st.GetOrCreate(1)
	busy := st.GetOrCreate(2)
	fresh := st.GetOrCreate(3)

	idle.LastSeen = base.Add(-2 * time.Hour)
	busy.LastSeen = base.Add(-2 * time.Hour)
	busy.State = domain.StateTransferring
	busy.Process = &fakeProcess{}
	fresh.LastSeen = base.Add(-time.Minute)

	evicted := st.EvictExpired(time.Hour)

	assert.Equal(t, []int64{1}, evicted)
	_, ok := st.Get(1)
	assert.False(t, ok)
	_, ok = st.Get(2)
	assert.True(t, ok)
	_, ok = st.Get(3)
	assert.True(t, ok)
}

func TestStore_EvictKillsProcess(t *testing.T) {
	st := NewStore(nil)
	s := st.Acquire(9)
	proc := &fakeProcess{}
	s.State = domain.StateAwaitingPhone
	s.Process = proc
	s.Unlock()

	st.Evict(9)

	assert.Equal(t, 1, proc.killCount())
	assert.Equal(t, 0, st.Len())
	assert.NotPanics(t, func() { st.Evict(9) })
}

func TestSweepExpired_CallsCallback(t *testing.T) {
	st := NewStore(nil)
	base := time.Now()
	st.now = func() time.Time { return base }
	st.GetOrCreate(5).LastSeen = base.Add(-48 * time.Hour)

	var got []int64
	n := sweepExpired(context.Background(), st, 24*time.Hour, func(_ context.Context, userID int64) {
		got = append(got, userID)
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{5}, got)
}

func TestStore_ActiveCount(t *testing.T) {
	st := NewStore(nil)
	st.GetOrCreate(1)
	st.GetOrCreate(2).State = domain.StateAwaitingConsent

	assert.Equal(t, 1, st.ActiveCount())
	assert.Len(t, st.Records(), 2)
}
