package precache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fwippe/orderlens/internal/assets"
	"github.com/fwippe/orderlens/internal/cache"
	"github.com/fwippe/orderlens/internal/db"
)

type fakeSource struct {
	ids []string
	err error
}

func (s fakeSource) KnownAssetIDs(ctx context.Context) ([]string, error) {
	return s.ids, s.err
}

// memStore is an in-memory durable tier that also serves as the cached-id
// index.
type memStore struct {
	mu   sync.Mutex
	rows map[string]db.CachedAsset
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]db.CachedAsset)}
}

func (s *memStore) GetCachedAsset(ctx context.Context, assetID string) (db.CachedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[assetID]
	if !ok {
		return db.CachedAsset{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) UpsertCachedAsset(ctx context.Context, arg db.UpsertCachedAssetParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[arg.AssetID] = db.CachedAsset{
		AssetID:     arg.AssetID,
		Data:        arg.Data,
		ContentType: arg.ContentType,
		CachedAt:    time.Now(),
	}
	return nil
}

func (s *memStore) ListCachedAssetIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) has(assetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[assetID]
	return ok
}

// fakeFetcher records fetch order and delegates results to fn.
type fakeFetcher struct {
	mu    sync.Mutex
	order []string
	fn    func(id string) (assets.Asset, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) (assets.Asset, error) {
	f.mu.Lock()
	f.order = append(f.order, id)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return assets.Asset{ID: id, Data: []byte("img-" + id), ContentType: "image/jpeg"}, nil
	}
	return fn(id)
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// fakeRefresher returns queued results in order, then nil forever.
type fakeRefresher struct {
	mu      sync.Mutex
	results []error
	count   int
}

func (r *fakeRefresher) Refresh(ctx context.Context, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if len(r.results) > 0 {
		err := r.results[0]
		r.results = r.results[1:]
		return err
	}
	return nil
}

func (r *fakeRefresher) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type fakeAlertSender struct {
	mu   sync.Mutex
	to   []string
	subj []string
}

func (s *fakeAlertSender) Send(to, subject, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.to = append(s.to, to)
	s.subj = append(s.subj, subject)
	return nil
}

func newTestJob(source KnownAssetSource, store *memStore, f Fetcher, r TokenRefresher, opts ...Option) *Job {
	c := cache.NewTwoTier(store, 50, zerolog.Nop())
	opts = append([]Option{WithCandidateDelay(0)}, opts...)
	return New(source, store, f, r, c, zerolog.Nop(), opts...)
}

func waitDone(t *testing.T, j *Job) Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := j.Progress(); !snap.Running {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("precache run did not finish in time")
	return Run{}
}

func candidateIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, string(rune('a'+i/10))+"sset-"+string(rune('0'+i%10))+"xx")
	}
	return ids
}

func TestProgressIdleBeforeFirstRun(t *testing.T) {
	j := newTestJob(fakeSource{}, newMemStore(), &fakeFetcher{}, &fakeRefresher{})

	snap := j.Progress()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.False(t, snap.Running)
	require.Empty(t, snap.ID)
}

func TestRunCachesAllCandidates(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{}
	refresher := &fakeRefresher{}
	j := newTestJob(fakeSource{ids: []string{"asset-a1", "asset-b2", "asset-c3"}}, store, fetcher, refresher)

	snap := j.Run(context.Background())

	require.Equal(t, PhaseComplete, snap.Phase)
	require.True(t, snap.Phase.Terminal())
	require.False(t, snap.Running)
	require.NotEmpty(t, snap.ID)
	require.Equal(t, 3, snap.Total)
	require.Equal(t, 3, snap.Done)
	require.Equal(t, 0, snap.Errors)
	require.False(t, snap.StartedAt.IsZero())
	require.False(t, snap.FinishedAt.IsZero())

	require.Equal(t, 1, refresher.calls()) // the start-of-run refresh
	require.Equal(t, 3, fetcher.calls())
	for _, id := range []string{"asset-a1", "asset-b2", "asset-c3"} {
		require.True(t, store.has(id), id)
	}
}

func TestRunSkipsCachedAndDedupes(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.UpsertCachedAsset(context.Background(), db.UpsertCachedAssetParams{
		AssetID: "asset-b2", Data: []byte("old"), ContentType: "image/jpeg",
	}))

	fetcher := &fakeFetcher{}
	source := fakeSource{ids: []string{"asset-c3", "asset-a1", "asset-b2", "asset-a1"}}
	j := newTestJob(source, store, fetcher, &fakeRefresher{})

	snap := j.Run(context.Background())

	require.Equal(t, PhaseComplete, snap.Phase)
	require.Equal(t, 2, snap.Total)
	require.Equal(t, 2, snap.Done)
	require.Equal(t, []string{"asset-a1", "asset-c3"}, fetcher.fetched())
}

func TestStartWhileRunningReturnsCurrentRun(t *testing.T) {
	store := newMemStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fetcher := &fakeFetcher{fn: func(id string) (assets.Asset, error) {
		once.Do(func() { close(entered) })
		<-release
		return assets.Asset{ID: id, Data: []byte("img"), ContentType: "image/jpeg"}, nil
	}}
	j := newTestJob(fakeSource{ids: []string{"asset-a1", "asset-b2"}}, store, fetcher, &fakeRefresher{})

	first, started := j.Start(context.Background())
	require.True(t, started)
	require.Equal(t, PhaseRefreshingToken, first.Phase)

	<-entered
	second, started := j.Start(context.Background())
	require.False(t, started)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.Running)
	require.Equal(t, PhaseCaching, second.Phase)
	require.Equal(t, 2, second.Total)

	close(release)
	final := waitDone(t, j)
	require.Equal(t, PhaseComplete, final.Phase)
	require.Equal(t, first.ID, final.ID)
	require.Equal(t, 2, final.Done)
	require.Equal(t, 2, fetcher.calls())
}

func TestRunStopsAfterConsecutiveAuthFailures(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{fn: func(id string) (assets.Asset, error) {
		return assets.Asset{}, &assets.AuthError{AssetID: id}
	}}
	// the start-of-run refresh succeeds, the mid-run recovery attempt fails
	refresher := &fakeRefresher{results: []error{nil, errors.New("still broken")}}
	j := newTestJob(fakeSource{ids: candidateIDs(20)}, store, fetcher, refresher)

	snap := j.Run(context.Background())

	require.Equal(t, PhaseStoppedAuth, snap.Phase)
	require.Equal(t, 20, snap.Total)
	require.Equal(t, 0, snap.Done)
	require.Equal(t, 10, snap.Errors)
	require.Equal(t, 10, snap.ConsecutiveAuthFailures)
	require.Equal(t, 10, fetcher.calls())
	require.Equal(t, 2, refresher.calls())
}

func TestRunContinuesWhenMidRunRefreshSucceeds(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{fn: func(id string) (assets.Asset, error) {
		return assets.Asset{}, &assets.AuthError{AssetID: id}
	}}
	refresher := &fakeRefresher{} // every refresh succeeds
	j := newTestJob(fakeSource{ids: candidateIDs(12)}, store, fetcher, refresher)

	snap := j.Run(context.Background())

	// each successful recovery refresh resets the consecutive count, so the
	// run works through every candidate instead of stopping
	require.Equal(t, PhaseComplete, snap.Phase)
	require.Equal(t, 12, snap.Errors)
	require.Equal(t, 0, snap.Done)
	require.Equal(t, 12, fetcher.calls())
	require.Equal(t, 3, refresher.calls()) // start plus two recovery attempts
}

func TestNonAuthFailuresDoNotTripBreaker(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{fn: func(id string) (assets.Asset, error) {
		return assets.Asset{}, &assets.NetworkError{AssetID: id, Err: errors.New("timeout")}
	}}
	refresher := &fakeRefresher{}
	j := newTestJob(fakeSource{ids: candidateIDs(12)}, store, fetcher, refresher)

	snap := j.Run(context.Background())

	require.Equal(t, PhaseComplete, snap.Phase)
	require.Equal(t, 12, snap.Errors)
	require.Equal(t, 0, snap.ConsecutiveAuthFailures)
	require.Equal(t, 1, refresher.calls())
}

func TestMixedFailuresResetConsecutiveCount(t *testing.T) {
	store := newMemStore()
	var n int32
	fetcher := &fakeFetcher{fn: func(id string) (assets.Asset, error) {
		if atomic.AddInt32(&n, 1)%2 == 1 {
			return assets.Asset{}, &assets.AuthError{AssetID: id}
		}
		return assets.Asset{}, &assets.NetworkError{AssetID: id, Err: errors.New("timeout")}
	}}
	refresher := &fakeRefresher{}
	j := newTestJob(fakeSource{ids: candidateIDs(12)}, store, fetcher, refresher)

	snap := j.Run(context.Background())

	// alternating failures never accumulate five consecutive auth errors
	require.Equal(t, PhaseComplete, snap.Phase)
	require.Equal(t, 12, snap.Errors)
	require.Equal(t, 1, refresher.calls())
}

func TestRunStopsWhenInitialRefreshFails(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{}
	refresher := &fakeRefresher{results: []error{errors.New("invalid credentials")}}
	j := newTestJob(fakeSource{ids: candidateIDs(3)}, store, fetcher, refresher)

	snap := j.Run(context.Background())

	require.Equal(t, PhaseStoppedError, snap.Phase)
	require.False(t, snap.Running)
	require.Equal(t, 0, snap.Total)
	require.Equal(t, 0, fetcher.calls())
}

func TestRunStopsWhenDiscoveryFails(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{}
	j := newTestJob(fakeSource{err: errors.New("db down")}, store, fetcher, &fakeRefresher{})

	snap := j.Run(context.Background())

	require.Equal(t, PhaseStoppedError, snap.Phase)
	require.Equal(t, 0, fetcher.calls())
}

func TestRunWithNoCandidatesCompletes(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{}
	j := newTestJob(fakeSource{}, store, fetcher, &fakeRefresher{})

	snap := j.Run(context.Background())

	require.Equal(t, PhaseComplete, snap.Phase)
	require.Equal(t, 0, snap.Total)
	require.Equal(t, 0, fetcher.calls())
}

func TestAuthStopSendsAlert(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{fn: func(id string) (assets.Asset, error) {
		return assets.Asset{}, &assets.AuthError{AssetID: id}
	}}
	refresher := &fakeRefresher{results: []error{nil, errors.New("still broken")}}
	sender := &fakeAlertSender{}
	j := newTestJob(fakeSource{ids: candidateIDs(15)}, store, fetcher, refresher,
		WithAlerts(sender, "ops@example.com"))

	snap := j.Run(context.Background())

	require.Equal(t, PhaseStoppedAuth, snap.Phase)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.to, 1)
	require.Equal(t, "ops@example.com", sender.to[0])
	require.Contains(t, sender.subj[0], "precache")
}
