// Package enrich fans the players of a decoded status out to the reputation and
// geolocation gateways and merges the answers back into the player records.
//
// Each gateway has its own lane: a bounded job queue, a rate limiter enforcing a
// minimum interval between calls and a small fixed set of workers. Lanes never wait
// on each other, and a frame waits for each lookup only up to its own deadline.
package enrich

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/woozymasta/se4watch/internal/eventlog"
	"github.com/woozymasta/se4watch/internal/gateway"
	"github.com/woozymasta/se4watch/internal/metrics"
	"github.com/woozymasta/se4watch/internal/models"
	"github.com/woozymasta/se4watch/internal/steam"
)

// Reputation looks up ban records and play time by steam id.
type Reputation interface {
	Name() string
	Lookup(ctx context.Context, steamID string) (*steam.Reputation, error)
}

// Geolocation resolves an IP address to a location.
type Geolocation interface {
	Name() string
	Locate(ctx context.Context, ip string) (*models.Location, error)
}

// Availability gates each gateway. A gateway whose flag is false is never called.
type Availability struct {
	Reputation  bool
	Geolocation bool
}

// LaneOptions tunes one gateway lane.
type LaneOptions struct {
	// Timeout bounds one gateway call.
	Timeout time.Duration

	// MinInterval is the minimum time between two calls to the gateway.
	MinInterval time.Duration

	// QueueDepth bounds the lookups waiting for a worker. Overflow is skipped.
	QueueDepth int

	// Workers is the number of concurrent calls to the gateway.
	Workers int
}

// Options configures a Pipeline.
type Options struct {
	Reputation  LaneOptions
	Geolocation LaneOptions

	// DeferralWindow is how long a lookup may wait in the queue and rate limiter
	// before its call starts. Lookups that cannot start within it are skipped.
	DeferralWindow time.Duration
}

// DefaultLaneOptions returns 2s calls, 4 workers and a queue of 64.
func DefaultLaneOptions(minInterval time.Duration) LaneOptions {
	return LaneOptions{
		Timeout:     2 * time.Second,
		MinInterval: minInterval,
		QueueDepth:  64,
		Workers:     4,
	}
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Reputation:     DefaultLaneOptions(100 * time.Millisecond),
		Geolocation:    DefaultLaneOptions(250 * time.Millisecond),
		DeferralWindow: time.Second,
	}
}

// Report summarizes the enrichment of one frame.
type Report struct {
	Submitted int
	Merged    int
	Failed    int
	Skipped   int
	Abandoned int
}

// Pipeline runs enrichment lookups on a bounded worker pool.
type Pipeline struct {
	events   *eventlog.Sink
	rep      *lane
	geo      *lane
	deferral time.Duration

	// current is the sequence of the frame being enriched; results of any other
	// frame are stale.
	current atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pipeline and starts its workers. A nil gateway disables its lane.
func New(rep Reputation, geo Geolocation, events *eventlog.Sink, opts Options) *Pipeline {
	p := &Pipeline{
		events:   events,
		deferral: opts.DeferralWindow,
	}
	if p.deferral <= 0 {
		p.deferral = DefaultOptions().DeferralWindow
	}

	if rep != nil {
		p.rep = newLane(rep.Name(), eventlog.TypeSteam, opts.Reputation,
			func(ctx context.Context, key string) result {
				r, err := rep.Lookup(ctx, key)
				return result{key: key, rep: r, err: gateway.Wrap(rep.Name(), key, err)}
			})
	}

	if geo != nil {
		p.geo = newLane(geo.Name(), eventlog.TypeIPStack, opts.Geolocation,
			func(ctx context.Context, key string) result {
				loc, err := geo.Locate(ctx, key)
				return result{key: key, loc: loc, err: gateway.Wrap(geo.Name(), key, err)}
			})
	}

	for _, l := range p.lanes() {
		for i := 0; i < l.workers; i++ {
			p.wg.Add(1)
			go p.worker(l)
		}
	}

	return p
}

// Enrich looks up every player of the status on each available gateway and merges
// the answers in place as they arrive. It returns when every lookup has answered,
// when the frame deadline passes or when ctx is done; every lookup still outstanding
// then is logged as failed for its player. seq identifies the frame; answers that
// arrive after Enrich returned are discarded.
func (p *Pipeline) Enrich(ctx context.Context, seq uint64, status *models.ServerStatus, avail Availability) Report {
	var report Report

	players := status.Players()
	if len(players) == 0 {
		return report
	}

	p.current.Store(seq)

	// every call starts by start and is bounded by its lane timeout; lookups outlive
	// a session stop and finish or time out on their own
	start := time.Now().Add(p.deferral)
	jobCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), start.Add(p.callWindow()))
	defer cancel()

	results := make(chan result, 2*len(players))
	outstanding := make(map[pending][]string)

	p.mu.RLock()
	if !p.closed {
		if avail.Reputation && p.rep != nil {
			for i := range players {
				p.submit(jobCtx, p.rep, seq, start, players[i].SteamID, players[i].Name, results, outstanding, &report)
			}
		}
		if avail.Geolocation && p.geo != nil {
			for i := range players {
				p.submit(jobCtx, p.geo, seq, start, players[i].IPv4, players[i].Name, results, outstanding, &report)
			}
		}
	}
	p.mu.RUnlock()

	for len(outstanding) > 0 {
		select {
		case r := <-results:
			settle(outstanding, r)
			p.merge(players, r, &report)
		case <-jobCtx.Done():
			p.abandon(outstanding, gateway.KindTimeout, jobCtx.Err(), &report)
			return report
		case <-ctx.Done():
			p.abandon(outstanding, gateway.KindSkipped, ctx.Err(), &report)
			return report
		}
	}

	return report
}

// settle removes the answered lookup from the outstanding set.
func settle(outstanding map[pending][]string, r result) {
	k := pending{lane: r.lane, key: r.key}
	names := outstanding[k]
	for i, name := range names {
		if name == r.player {
			names = append(names[:i], names[i+1:]...)
			break
		}
	}

	if len(names) == 0 {
		delete(outstanding, k)
		return
	}
	outstanding[k] = names
}

// abandon logs one failure per player whose lookup did not answer in time.
func (p *Pipeline) abandon(outstanding map[pending][]string, kind gateway.Kind, cause error, report *Report) {
	for k, names := range outstanding {
		for _, name := range names {
			report.Abandoned++
			metrics.Lookups.WithLabelValues(k.lane.name, string(kind)).Inc()
			p.events.Errorf(k.lane.typ, gateway.NewError(k.lane.name, k.key, kind, cause),
				"No %s answer for player %s (%s) before the frame was published", k.lane.name, name, k.key)
		}
	}
}

// Abandon marks every outstanding lookup as stale.
func (p *Pipeline) Abandon() {
	p.current.Store(0)
}

// Close stops accepting lookups and waits for the workers to finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, l := range p.lanes() {
		close(l.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pipeline) lanes() []*lane {
	lanes := make([]*lane, 0, 2)
	if p.rep != nil {
		lanes = append(lanes, p.rep)
	}
	if p.geo != nil {
		lanes = append(lanes, p.geo)
	}

	return lanes
}

// callWindow is the longest lane timeout.
func (p *Pipeline) callWindow() time.Duration {
	var timeout time.Duration
	for _, l := range p.lanes() {
		timeout = max(timeout, l.timeout)
	}

	return timeout
}

func (p *Pipeline) stale(seq uint64) bool {
	return p.current.Load() != seq
}

// submit queues one lookup without blocking and records it as outstanding.
func (p *Pipeline) submit(ctx context.Context, l *lane, seq uint64, start time.Time, key, player string,
	results chan<- result, outstanding map[pending][]string, report *Report,
) {
	j := job{ctx: ctx, start: start, seq: seq, key: key, player: player, results: results}

	select {
	case l.jobs <- j:
		report.Submitted++
		k := pending{lane: l, key: key}
		outstanding[k] = append(outstanding[k], player)
	default:
		report.Skipped++
		metrics.Lookups.WithLabelValues(l.name, string(gateway.KindSkipped)).Inc()
		p.events.Errorf(l.typ, gateway.NewError(l.name, key, gateway.KindSkipped, gateway.ErrQueueFull),
			"Skipping %s lookup for player %s, queue full", l.name, player)
	}
}

func (p *Pipeline) worker(l *lane) {
	defer p.wg.Done()

	for j := range l.jobs {
		p.run(l, j)
	}
}

func (p *Pipeline) run(l *lane, j job) {
	if p.stale(j.seq) || j.ctx.Err() != nil {
		metrics.Lookups.WithLabelValues(l.name, "stale").Inc()
		return
	}

	if err := p.wait(l, j); err != nil {
		j.results <- result{key: j.key, player: j.player, lane: l,
			err: gateway.NewError(l.name, j.key, gateway.KindSkipped, err)}
		return
	}

	p.events.Debugf(l.typ, "Looking up player %s (%s) on %s", j.player, j.key, l.name)

	// the call gets its full timeout however long it was deferred
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), l.timeout)
	start := time.Now()
	r := l.call(callCtx, j.key)
	cancel()
	metrics.LookupDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())

	if p.stale(j.seq) {
		metrics.Lookups.WithLabelValues(l.name, "stale").Inc()
		p.events.Debugf(l.typ, "Discarding late %s answer for %s", l.name, j.key)
		return
	}

	r.player = j.player
	r.lane = l
	j.results <- r
}

// wait holds the job in the rate limiter until its start deadline at the latest.
func (p *Pipeline) wait(l *lane, j job) error {
	if !time.Now().Before(j.start) {
		return gateway.ErrDeferred
	}

	ctx, cancel := context.WithDeadline(j.ctx, j.start)
	defer cancel()

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrDeferred, err)
	}

	return nil
}

// merge applies one answer on the processing goroutine. Reputation answers match
// players by steam id and geolocation answers by address.
func (p *Pipeline) merge(players []models.Player, r result, report *Report) {
	l := r.lane
	outcome := "ok"

	if r.err != nil {
		kind := gateway.KindOf(r.err)
		outcome = string(kind)
		report.Failed++

		if l == p.geo && kind == gateway.KindInvalid {
			p.events.Debugf(l.typ, "No location lookup for player %s: %v", r.player, r.err)
		} else {
			p.events.Errorf(l.typ, r.err, "Unable to fetch %s data for player %s (%s)", l.name, r.player, r.key)
		}
	}

	switch {
	case r.rep != nil:
		for i := range players {
			if players[i].SteamID != r.key {
				continue
			}
			bans := r.rep.Bans
			players[i].Bans = &bans
			if r.rep.PlayHours != nil {
				hours := *r.rep.PlayHours
				players[i].PlayHours = &hours
			}
		}
		if r.rep.Bans.Banned() {
			p.events.Warnf(l.typ, nil, "Player %s (%s) has bans on record: %s", r.player, r.key, r.rep.Bans)
		}
		report.Merged++

	case r.loc != nil:
		for i := range players {
			if players[i].IPv4 != r.key {
				continue
			}
			loc := *r.loc
			players[i].Location = &loc
		}
		report.Merged++
	}

	metrics.Lookups.WithLabelValues(l.name, outcome).Inc()
}
