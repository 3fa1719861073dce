package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moltbunker/rewardclaim/internal/util"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

type fakeFetcher struct {
	mu    sync.Mutex
	data  Rewards
	err   error
	calls int
}

func (f *fakeFetcher) ClaimableRewards(_ context.Context, _ string) (Rewards, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data.Clone(), nil
}

func (f *fakeFetcher) set(data Rewards, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data, f.err = data, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixedAccount struct{ acct *types.Account }

func (a fixedAccount) Account() (*types.Account, bool) { return a.acct, a.acct != nil }

type countingRecorder struct {
	mu       sync.Mutex
	ok, fail int
}

func (r *countingRecorder) RewardPoll(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.ok++
	} else {
		r.fail++
	}
}

func testPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     time.Hour,
		FetchTimeout: time.Second,
		Retry:        &util.RetryConfig{MaxRetries: 0},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStaticSource(t *testing.T) {
	s := &StaticSource{}
	if !s.Snapshot().Loading {
		t.Error("empty source should report loading")
	}

	r := amounts(map[string]string{"val1": "1"})
	s.Set(r)
	r["val2"] = decimal.NewFromInt(2)

	snap := s.Snapshot()
	if !snap.Success || snap.Loading {
		t.Errorf("snapshot = %+v, want success", snap)
	}
	if len(snap.Data) != 1 {
		t.Errorf("snapshot shares the caller's map: %v", snap.Data)
	}

	s.SetLoading()
	if !s.Snapshot().Loading {
		t.Error("SetLoading did not mark the source loading")
	}
}

func TestPollerPublishesSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{data: amounts(map[string]string{"val1": "10", "val2": "5"})}
	rec := &countingRecorder{}
	p := NewPoller(testPollerConfig(), fetcher, fixedAccount{account}, rec)

	if !p.Snapshot().Loading {
		t.Error("poller should start in loading state")
	}

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return p.Snapshot().Success })
	snap := p.Snapshot()
	if len(snap.Data) != 2 || snap.Err != nil {
		t.Errorf("snapshot = %+v", snap)
	}

	rec.mu.Lock()
	ok := rec.ok
	rec.mu.Unlock()
	if ok != 1 {
		t.Errorf("recorded %d successful polls, want 1", ok)
	}
}

func TestPollerKeepsDataOnFailure(t *testing.T) {
	fetcher := &fakeFetcher{data: amounts(map[string]string{"val1": "10"})}
	p := NewPoller(testPollerConfig(), fetcher, fixedAccount{account}, nil)
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return p.Snapshot().Success })

	fetcher.set(nil, errors.New("rpc unavailable"))
	p.Refresh()
	waitFor(t, func() bool { return p.Snapshot().Err != nil })

	snap := p.Snapshot()
	if !snap.Success || len(snap.Data) != 1 {
		t.Errorf("previous data lost after failed poll: %+v", snap)
	}

	fetcher.set(amounts(map[string]string{"val1": "3"}), nil)
	p.Refresh()
	waitFor(t, func() bool { return p.Snapshot().Err == nil })
	if got := p.Snapshot().Data["val1"]; !got.Equal(decimal.NewFromInt(3)) {
		t.Errorf("val1 = %s, want 3", got)
	}
}

func TestPollerWithoutAccount(t *testing.T) {
	fetcher := &fakeFetcher{data: amounts(map[string]string{"val1": "10"})}
	p := NewPoller(testPollerConfig(), fetcher, fixedAccount{}, nil)
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return p.Snapshot().Success })
	if len(p.Snapshot().Data) != 0 {
		t.Error("expected no rewards without an account")
	}
	if fetcher.callCount() != 0 {
		t.Error("fetcher called without an account")
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := NewPoller(testPollerConfig(), &fakeFetcher{}, fixedAccount{}, nil)
	p.Stop()
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
