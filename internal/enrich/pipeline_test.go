package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/se4watch/internal/eventlog"
	"github.com/woozymasta/se4watch/internal/models"
	"github.com/woozymasta/se4watch/internal/steam"
)

type fakeReputation struct {
	lookup func(ctx context.Context, steamID string) (*steam.Reputation, error)
	mu     sync.Mutex
	times  []time.Time
	calls  atomic.Int32
}

func (f *fakeReputation) Name() string { return "steam" }

func (f *fakeReputation) Lookup(ctx context.Context, steamID string) (*steam.Reputation, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.times = append(f.times, time.Now())
	f.mu.Unlock()

	if f.lookup != nil {
		return f.lookup(ctx, steamID)
	}

	hours := int64(len(steamID))
	return &steam.Reputation{
		PlayHours: &hours,
		Bans:      models.PlayerBans{SteamID: steamID, EconomyBan: "none"},
	}, nil
}

type fakeGeolocation struct {
	locate func(ctx context.Context, ip string) (*models.Location, error)
	calls  atomic.Int32
}

func (f *fakeGeolocation) Name() string { return "ipstack" }

func (f *fakeGeolocation) Locate(ctx context.Context, ip string) (*models.Location, error) {
	f.calls.Add(1)
	if f.locate != nil {
		return f.locate(ctx, ip)
	}

	return &models.Location{IP: ip, CountryCode: "DE", Country: "Germany", City: "Berlin"}, nil
}

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) add(line string) {
	l.mu.Lock()
	l.all = append(l.all, line)
	l.mu.Unlock()
}

func (l *lines) containing(sub string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, line := range l.all {
		if strings.Contains(line, sub) {
			n++
		}
	}

	return n
}

func (l *lines) matching(sub string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for _, line := range l.all {
		if strings.Contains(line, sub) {
			out = append(out, line)
		}
	}

	return out
}

func newSink() (*eventlog.Sink, *lines) {
	captured := &lines{}
	sink := eventlog.New(nil)
	sink.Subscribe(captured.add)

	return sink, captured
}

func fastOptions() Options {
	lane := LaneOptions{Timeout: 200 * time.Millisecond, QueueDepth: 16, Workers: 4}
	return Options{Reputation: lane, Geolocation: lane, DeferralWindow: 100 * time.Millisecond}
}

func lobby(players ...models.Player) *models.ServerStatus {
	return &models.ServerStatus{Lobby: &models.Lobby{State: "open", MaxPlayers: 8, Players: players}}
}

func player(id, ip string) models.Player {
	return models.Player{SteamID: id, Name: "player-" + id, IPv4: ip}
}

var all = Availability{Reputation: true, Geolocation: true}

func TestEnrichMergesByKey(t *testing.T) {
	rep, geo := &fakeReputation{}, &fakeGeolocation{}
	sink, _ := newSink()
	p := New(rep, geo, sink, fastOptions())
	defer p.Close()

	status := lobby(player("7656119800000001", "81.2.69.160"), player("7656119800000002", "81.2.69.161"))
	report := p.Enrich(context.Background(), 1, status, all)

	assert.Equal(t, 4, report.Submitted)
	assert.Equal(t, 4, report.Merged)
	assert.Zero(t, report.Failed)

	for _, pl := range status.Lobby.Players {
		require.NotNil(t, pl.Bans, pl.SteamID)
		assert.Equal(t, pl.SteamID, pl.Bans.SteamID)
		require.NotNil(t, pl.PlayHours)
		require.NotNil(t, pl.Location)
		assert.Equal(t, pl.IPv4, pl.Location.IP)
	}
}

func TestEnrichNoPlayers(t *testing.T) {
	rep := &fakeReputation{}
	p := New(rep, nil, nil, fastOptions())
	defer p.Close()

	assert.Equal(t, Report{}, p.Enrich(context.Background(), 1, &models.ServerStatus{}, all))
	assert.Equal(t, Report{}, p.Enrich(context.Background(), 2, lobby(), all))
	assert.Zero(t, rep.calls.Load())
}

func TestEnrichUnavailableGatewayIsNeverCalled(t *testing.T) {
	rep, geo := &fakeReputation{}, &fakeGeolocation{}
	p := New(rep, geo, nil, fastOptions())
	defer p.Close()

	status := lobby(player("7656119800000001", "81.2.69.160"))
	p.Enrich(context.Background(), 1, status, Availability{Geolocation: true})

	assert.Zero(t, rep.calls.Load())
	assert.EqualValues(t, 1, geo.calls.Load())
	assert.Nil(t, status.Lobby.Players[0].Bans)
	assert.NotNil(t, status.Lobby.Players[0].Location)
}

func TestEnrichNilGateway(t *testing.T) {
	geo := &fakeGeolocation{}
	p := New(nil, geo, nil, fastOptions())
	defer p.Close()

	status := lobby(player("7656119800000001", "81.2.69.160"))
	report := p.Enrich(context.Background(), 1, status, all)

	assert.Equal(t, 1, report.Submitted)
	assert.Nil(t, status.Lobby.Players[0].Bans)
}

func TestEnrichSlowGatewayDoesNotBlockOthers(t *testing.T) {
	rep := &fakeReputation{}
	geo := &fakeGeolocation{locate: func(ctx context.Context, _ string) (*models.Location, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	sink, captured := newSink()
	p := New(rep, geo, sink, fastOptions())
	defer p.Close()

	status := lobby(player("7656119800000001", "81.2.69.160"))
	start := time.Now()
	report := p.Enrich(context.Background(), 1, status, all)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.NotNil(t, status.Lobby.Players[0].Bans)
	assert.Nil(t, status.Lobby.Players[0].Location)
	assert.Equal(t, 1, report.Merged)
	assert.Equal(t, 1, report.Failed+report.Abandoned)
	assert.Positive(t, captured.containing("|IPSTACK|")+captured.containing("deadline reached"))
}

func TestEnrichFailureIsLogged(t *testing.T) {
	rep := &fakeReputation{lookup: func(context.Context, string) (*steam.Reputation, error) {
		return nil, errors.New("connection refused")
	}}
	sink, captured := newSink()
	p := New(rep, nil, sink, fastOptions())
	defer p.Close()

	status := lobby(player("7656119800000001", "81.2.69.160"))
	report := p.Enrich(context.Background(), 1, status, all)

	assert.Equal(t, 1, report.Failed)
	assert.Nil(t, status.Lobby.Players[0].Bans)
	assert.Nil(t, status.Lobby.Players[0].PlayHours)
	assert.Equal(t, 1, captured.containing("|ERROR|STEAM|"))
	assert.Equal(t, 1, captured.containing("connection refused"))
}

func TestEnrichPartialReputation(t *testing.T) {
	rep := &fakeReputation{lookup: func(_ context.Context, id string) (*steam.Reputation, error) {
		return &steam.Reputation{Bans: models.PlayerBans{SteamID: id, VACBanned: true, NumberOfVACBans: 2}},
			errors.New("profile is private")
	}}
	sink, captured := newSink()
	p := New(rep, nil, sink, fastOptions())
	defer p.Close()

	status := lobby(player("7656119800000001", "81.2.69.160"))
	report := p.Enrich(context.Background(), 1, status, all)

	pl := status.Lobby.Players[0]
	require.NotNil(t, pl.Bans)
	assert.True(t, pl.Bans.VACBanned)
	assert.Nil(t, pl.PlayHours)
	assert.Equal(t, 1, report.Merged)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, captured.containing("|ERROR|STEAM|"))
	assert.Equal(t, 1, captured.containing("|WARN|STEAM|"))
}

func TestEnrichQueueOverflowIsSkipped(t *testing.T) {
	release := make(chan struct{})
	rep := &fakeReputation{lookup: func(ctx context.Context, id string) (*steam.Reputation, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &steam.Reputation{Bans: models.PlayerBans{SteamID: id}}, nil
	}}
	opts := fastOptions()
	opts.Reputation.Workers = 1
	opts.Reputation.QueueDepth = 1
	sink, captured := newSink()
	p := New(rep, nil, sink, opts)
	defer p.Close()

	status := lobby(
		player("7656119800000001", ""), player("7656119800000002", ""), player("7656119800000003", ""),
		player("7656119800000004", ""), player("7656119800000005", ""),
	)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	report := p.Enrich(context.Background(), 1, status, all)

	assert.Equal(t, 5, report.Submitted+report.Skipped)
	assert.GreaterOrEqual(t, report.Skipped, 3)
	assert.Equal(t, report.Skipped, captured.containing("queue full"))
}

func TestEnrichLateResultIsDiscarded(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	rep := &fakeReputation{lookup: func(_ context.Context, id string) (*steam.Reputation, error) {
		if id == "7656119800000001" {
			started <- struct{}{}
			<-release
		}
		return &steam.Reputation{Bans: models.PlayerBans{SteamID: id}}, nil
	}}
	sink, captured := newSink()
	p := New(rep, nil, sink, fastOptions())

	first := lobby(player("7656119800000001", ""))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Report)
	go func() { done <- p.Enrich(ctx, 1, first, all) }()

	<-started
	cancel()
	report := <-done
	assert.Equal(t, 1, report.Abandoned)

	failed := captured.matching("|ERROR|STEAM|")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], "player-7656119800000001")

	second := lobby(player("7656119800000002", ""))
	p.Enrich(context.Background(), 2, second, all)
	assert.NotNil(t, second.Lobby.Players[0].Bans)

	close(release)
	p.Close()

	assert.Nil(t, first.Lobby.Players[0].Bans)
}

func TestEnrichRateLimit(t *testing.T) {
	rep := &fakeReputation{}
	opts := fastOptions()
	opts.Reputation.MinInterval = 50 * time.Millisecond
	opts.DeferralWindow = time.Second
	p := New(rep, nil, nil, opts)
	defer p.Close()

	status := lobby(player("7656119800000001", ""), player("7656119800000002", ""), player("7656119800000003", ""))
	report := p.Enrich(context.Background(), 1, status, all)
	require.Equal(t, 3, report.Merged)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.times, 3)

	first, last := rep.times[0], rep.times[0]
	for _, ts := range rep.times {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 90*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	p := New(&fakeReputation{}, &fakeGeolocation{}, nil, fastOptions())
	p.Close()
	p.Close()

	status := lobby(player("7656119800000001", "81.2.69.160"))
	assert.Equal(t, Report{}, p.Enrich(context.Background(), 1, status, all))
}

func TestEnrichOneSlowPlayerIsIsolated(t *testing.T) {
	const slow = "7656119800000010"
	rep := &fakeReputation{lookup: func(ctx context.Context, id string) (*steam.Reputation, error) {
		if id == slow {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &steam.Reputation{Bans: models.PlayerBans{SteamID: id}}, nil
	}}
	sink, captured := newSink()
	opts := fastOptions()
	p := New(rep, nil, sink, opts)
	defer p.Close()

	players := make([]models.Player, 0, 10)
	for i := 1; i <= 10; i++ {
		players = append(players, player(fmt.Sprintf("76561198%08d", i), ""))
	}
	status := lobby(players...)

	start := time.Now()
	report := p.Enrich(context.Background(), 1, status, Availability{Reputation: true})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, opts.Reputation.Timeout+opts.DeferralWindow)
	assert.Equal(t, 9, report.Merged)
	assert.Equal(t, 1, report.Failed+report.Abandoned)

	for _, pl := range status.Lobby.Players {
		if pl.SteamID == slow {
			assert.Nil(t, pl.Bans)
			continue
		}
		assert.NotNil(t, pl.Bans, pl.SteamID)
	}

	failed := captured.matching("|ERROR|")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], "player-"+slow)
}

func TestEnrichDeadlineLogsEachOutstandingPlayer(t *testing.T) {
	release := make(chan struct{})
	rep := &fakeReputation{lookup: func(_ context.Context, id string) (*steam.Reputation, error) {
		<-release
		return &steam.Reputation{Bans: models.PlayerBans{SteamID: id}}, nil
	}}
	sink, captured := newSink()
	opts := fastOptions()
	opts.Reputation.Timeout = 100 * time.Millisecond
	opts.DeferralWindow = 50 * time.Millisecond
	p := New(rep, nil, sink, opts)

	status := lobby(player("7656119800000001", ""), player("7656119800000002", ""), player("7656119800000003", ""))
	report := p.Enrich(context.Background(), 1, status, all)

	assert.Equal(t, 3, report.Submitted)
	assert.Equal(t, 3, report.Abandoned)
	assert.Zero(t, report.Merged)

	failed := strings.Join(captured.matching("|ERROR|STEAM|"), "\n")
	assert.Equal(t, 3, captured.containing("|ERROR|STEAM|"))
	for _, pl := range status.Lobby.Players {
		assert.Nil(t, pl.Bans)
		assert.Equal(t, 1, strings.Count(failed, "player "+pl.Name+" ("))
	}
	assert.Equal(t, 3, strings.Count(failed, "(timeout)"))

	close(release)
	p.Close()
}

func TestEnrichDeferredCallKeepsItsTimeout(t *testing.T) {
	var (
		mu      sync.Mutex
		budgets []time.Duration
	)
	rep := &fakeReputation{lookup: func(ctx context.Context, id string) (*steam.Reputation, error) {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		mu.Lock()
		budgets = append(budgets, time.Until(deadline))
		mu.Unlock()

		time.Sleep(150 * time.Millisecond)
		return &steam.Reputation{Bans: models.PlayerBans{SteamID: id}}, nil
	}}
	sink, captured := newSink()
	opts := fastOptions()
	opts.Reputation.MinInterval = 80 * time.Millisecond
	p := New(rep, nil, sink, opts)
	defer p.Close()

	status := lobby(
		player("7656119800000001", ""), player("7656119800000002", ""),
		player("7656119800000003", ""), player("7656119800000004", ""),
	)
	report := p.Enrich(context.Background(), 1, status, all)

	assert.Equal(t, 2, report.Merged)
	assert.Equal(t, 2, report.Failed)
	assert.EqualValues(t, 2, rep.calls.Load())
	assert.Equal(t, 2, captured.containing("|ERROR|STEAM|"))
	assert.Equal(t, 2, captured.containing("deferral window exceeded"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, budgets, 2)
	for _, budget := range budgets {
		assert.Greater(t, budget, 180*time.Millisecond)
	}
}
