// Package precache warms the durable asset cache ahead of dashboard traffic
// by fetching every product photo referenced by current order data.
package precache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fwippe/orderlens/internal/assets"
	"github.com/fwippe/orderlens/internal/cache"
	"github.com/fwippe/orderlens/internal/email"
)

// Phase names the state a precache run is in.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseRefreshingToken Phase = "refreshing_token"
	PhaseDiscovering     Phase = "discovering"
	PhaseCaching         Phase = "caching"
	PhaseComplete        Phase = "complete"
	PhaseStoppedAuth     Phase = "stopped_auth_failure"
	PhaseStoppedError    Phase = "stopped_error"
)

// Terminal reports whether a run in this phase has finished.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseStoppedAuth, PhaseStoppedError:
		return true
	}
	return false
}

// Run is a point-in-time snapshot of the active or most recent run.
type Run struct {
	ID                      string    `json:"id,omitempty"`
	Phase                   Phase     `json:"phase"`
	Running                 bool      `json:"running"`
	Total                   int       `json:"total"`
	Done                    int       `json:"done"`
	Errors                  int       `json:"errors"`
	ConsecutiveAuthFailures int       `json:"consecutive_auth_failures"`
	StartedAt               time.Time `json:"started_at,omitempty"`
	FinishedAt              time.Time `json:"finished_at,omitempty"`
}

// KnownAssetSource yields the asset ids referenced by current business data.
type KnownAssetSource interface {
	KnownAssetIDs(ctx context.Context) ([]string, error)
}

// DurableIndex lists asset ids already in the durable tier. Satisfied by
// *db.Queries.
type DurableIndex interface {
	ListCachedAssetIDs(ctx context.Context) ([]string, error)
}

// Fetcher is the slice of the asset fetcher the job needs.
type Fetcher interface {
	Fetch(ctx context.Context, assetID string) (assets.Asset, error)
}

// TokenRefresher forces token refreshes. Satisfied by *assets.TokenManager.
type TokenRefresher interface {
	Refresh(ctx context.Context, force bool) error
}

const (
	// consecutive auth failure thresholds: one recovery refresh at the
	// first, give up at the second
	refreshAtConsecutive = 5
	stopAtConsecutive    = 10

	defaultCandidateDelay = 200 * time.Millisecond
)

// Job is the per-process precache singleton. At most one run is active at a
// time; starting while one is active returns that run's snapshot instead.
type Job struct {
	source  KnownAssetSource
	index   DurableIndex
	fetcher Fetcher
	tokens  TokenRefresher
	cache   *cache.TwoTier
	log     zerolog.Logger

	alerts  email.Sender
	alertTo string
	delay   time.Duration

	mu      sync.Mutex
	running bool
	run     Run
	done    chan struct{}
}

// Option configures a Job.
type Option func(*Job)

// WithCandidateDelay overrides the pause between candidate fetches.
func WithCandidateDelay(d time.Duration) Option {
	return func(j *Job) {
		j.delay = d
	}
}

// WithAlerts sends an ops email when a run stops on auth failures.
func WithAlerts(s email.Sender, to string) Option {
	return func(j *Job) {
		j.alerts = s
		j.alertTo = to
	}
}

func New(source KnownAssetSource, index DurableIndex, fetcher Fetcher, tokens TokenRefresher, c *cache.TwoTier, log zerolog.Logger, opts ...Option) *Job {
	j := &Job{
		source:  source,
		index:   index,
		fetcher: fetcher,
		tokens:  tokens,
		cache:   c,
		log:     log.With().Str("component", "precache").Logger(),
		delay:   defaultCandidateDelay,
		run:     Run{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches a run in the background. started is false when a run was
// already active, in which case the returned snapshot belongs to that run.
func (j *Job) Start(ctx context.Context) (snap Run, started bool) {
	j.mu.Lock()
	if j.running {
		snap = j.run
		j.mu.Unlock()
		return snap, false
	}
	j.running = true
	j.run = Run{
		ID:        uuid.NewString(),
		Phase:     PhaseRefreshingToken,
		Running:   true,
		StartedAt: time.Now().UTC(),
	}
	j.done = make(chan struct{})
	done := j.done
	snap = j.run
	j.mu.Unlock()

	// the run must outlive the request that triggered it
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		j.execute(runCtx)
	}()
	return snap, true
}

// Run starts a run if none is active and blocks until the active run reaches
// a terminal phase. Used by the scheduled task handler and the one-shot CLI.
func (j *Job) Run(ctx context.Context) Run {
	j.Start(ctx)

	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done != nil {
		<-done
	}
	return j.Progress()
}

// Progress returns a snapshot of the current or most recent run.
func (j *Job) Progress() Run {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.run
}

func (j *Job) execute(ctx context.Context) {
	j.mu.Lock()
	runID := j.run.ID
	j.mu.Unlock()
	log := j.log.With().Str("run_id", runID).Logger()
	log.Info().Msg("precache run starting")

	if err := j.tokens.Refresh(ctx, true); err != nil {
		log.Error().Err(err).Msg("initial token refresh failed")
		j.finish(PhaseStoppedError)
		return
	}

	j.setPhase(PhaseDiscovering)
	candidates, err := j.discover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("candidate discovery failed")
		j.finish(PhaseStoppedError)
		return
	}

	j.mu.Lock()
	j.run.Total = len(candidates)
	j.run.Phase = PhaseCaching
	j.mu.Unlock()
	log.Info().Int("candidates", len(candidates)).Msg("precache candidates discovered")

	for i, id := range candidates {
		if i > 0 && j.delay > 0 {
			time.Sleep(j.delay)
		}

		asset, err := j.fetcher.Fetch(ctx, id)
		if err == nil {
			j.cache.Put(ctx, id, asset.Data, asset.ContentType)
			j.mu.Lock()
			j.run.Done++
			j.run.ConsecutiveAuthFailures = 0
			j.mu.Unlock()
			continue
		}

		var authErr *assets.AuthError
		if !errors.As(err, &authErr) {
			// not-found or network: record and move on
			log.Warn().Err(err).Str("asset_id", id).Str("kind", assets.ErrorKind(err)).Msg("precache fetch failed")
			j.mu.Lock()
			j.run.Errors++
			j.run.ConsecutiveAuthFailures = 0
			j.mu.Unlock()
			continue
		}

		j.mu.Lock()
		j.run.Errors++
		j.run.ConsecutiveAuthFailures++
		consecutive := j.run.ConsecutiveAuthFailures
		j.mu.Unlock()
		log.Warn().Err(err).Str("asset_id", id).Int("consecutive", consecutive).Msg("precache auth failure")

		if consecutive == refreshAtConsecutive {
			// one mid-run credential recovery attempt; if it fails the run
			// keeps going until the stop threshold below
			if rerr := j.tokens.Refresh(ctx, true); rerr != nil {
				log.Error().Err(rerr).Msg("mid-run token refresh failed")
			} else {
				j.mu.Lock()
				j.run.ConsecutiveAuthFailures = 0
				j.mu.Unlock()
			}
		}
		if consecutive >= stopAtConsecutive {
			log.Error().Int("consecutive", consecutive).Msg("stopping run, provider credentials appear broken")
			j.finish(PhaseStoppedAuth)
			j.sendAuthAlert()
			return
		}
	}

	j.finish(PhaseComplete)
	final := j.Progress()
	log.Info().Int("total", final.Total).Int("done", final.Done).Int("errors", final.Errors).Msg("precache run complete")
}

// discover computes the candidate set: known ids minus already-cached ids,
// deduplicated and sorted for a stable fetch order.
func (j *Job) discover(ctx context.Context) ([]string, error) {
	known, err := j.source.KnownAssetIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("known asset ids: %w", err)
	}
	cached, err := j.index.ListCachedAssetIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cached asset ids: %w", err)
	}

	have := make(map[string]struct{}, len(cached))
	for _, id := range cached {
		have[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(known))
	var candidates []string
	for _, id := range known {
		if _, ok := have[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)
	return candidates, nil
}

func (j *Job) setPhase(p Phase) {
	j.mu.Lock()
	j.run.Phase = p
	j.mu.Unlock()
}

func (j *Job) finish(p Phase) {
	j.mu.Lock()
	j.run.Phase = p
	j.run.Running = false
	j.run.FinishedAt = time.Now().UTC()
	j.running = false
	j.mu.Unlock()
}

func (j *Job) sendAuthAlert() {
	if j.alerts == nil || j.alertTo == "" {
		return
	}
	snap := j.Progress()
	subject := "orderlens: asset precache stopped on provider auth failures"
	html := fmt.Sprintf(
		"<p>Precache run %s stopped after %d consecutive authorization failures. The asset provider credentials likely need to be reconnected.</p><p>Progress: %d of %d cached, %d errors.</p>",
		snap.ID, snap.ConsecutiveAuthFailures, snap.Done, snap.Total, snap.Errors,
	)
	if err := j.alerts.Send(j.alertTo, subject, html); err != nil {
		j.log.Error().Err(err).Msg("send auth alert failed")
	}
}
