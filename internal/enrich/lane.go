package enrich

import (
	"context"
	"time"

	"github.com/woozymasta/se4watch/internal/eventlog"
	"github.com/woozymasta/se4watch/internal/models"
	"github.com/woozymasta/se4watch/internal/steam"
	"golang.org/x/time/rate"
)

// lane is the queue, limiter and worker count of one gateway.
type lane struct {
	limiter *rate.Limiter
	jobs    chan job
	call    func(ctx context.Context, key string) result
	name    string
	timeout time.Duration
	workers int
	typ     eventlog.Type
}

type job struct {
	ctx context.Context
	// start is the latest time the call may begin.
	start   time.Time
	results chan<- result
	key     string
	player  string
	seq     uint64
}

// pending identifies a submitted lookup until its answer is merged.
type pending struct {
	lane *lane
	key  string
}

type result struct {
	err    error
	rep    *steam.Reputation
	loc    *models.Location
	lane   *lane
	key    string
	player string
}

func newLane(name string, typ eventlog.Type, opts LaneOptions, call func(context.Context, string) result) *lane {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	return &lane{
		limiter: rate.NewLimiter(limit, 1),
		jobs:    make(chan job, opts.QueueDepth),
		call:    call,
		name:    name,
		timeout: opts.Timeout,
		workers: opts.Workers,
		typ:     typ,
	}
}
