// Package game probes the monitored server over the Source Engine Query (A2S) protocol
// before the admin session is opened.
package game

import (
	"context"
	"fmt"
	"time"

	"github.com/woozymasta/a2s/pkg/a2s"
)

// Options configures the A2S query.
type Options struct {
	Timeout    time.Duration
	BufferSize uint16
}

// ServerInfo is the part of A2S_INFO reported when a session starts.
type ServerInfo struct {
	Name       string
	Map        string
	Game       string
	Version    string
	Players    int
	MaxPlayers int
}

// String renders the probe result for logs.
func (s ServerInfo) String() string {
	return fmt.Sprintf("%s (%s %s) on %s, %d/%d players",
		s.Name, s.Game, s.Version, s.Map, s.Players, s.MaxPlayers)
}

// QueryServer connects to a game server via UDP and requests A2S_INFO.
// The query is abandoned when ctx is done; the UDP client still honors its own timeout.
func QueryServer(ctx context.Context, host string, port int, opts Options) (*ServerInfo, error) {
	type answer struct {
		info *ServerInfo
		err  error
	}

	ch := make(chan answer, 1)
	go func() {
		info, err := query(host, port, opts)
		ch <- answer{info: info, err: err}
	}()

	select {
	case a := <-ch:
		return a.info, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func query(host string, port int, opts Options) (*ServerInfo, error) {
	client, err := a2s.New(host, port)
	if err != nil {
		return nil, fmt.Errorf("a2s client for %s:%d: %w", host, port, err)
	}
	defer func() { _ = client.Close() }()

	if opts.BufferSize > 0 {
		client.BufferSize = opts.BufferSize
	}
	if opts.Timeout > 0 {
		client.Timeout = opts.Timeout
	}

	info, err := client.GetInfo()
	if err != nil {
		return nil, fmt.Errorf("a2s info from %s:%d: %w", host, port, err)
	}

	return &ServerInfo{
		Name:       info.Name,
		Map:        info.Map,
		Game:       info.Game,
		Version:    info.Version,
		Players:    int(info.Players),
		MaxPlayers: int(info.MaxPlayers),
	}, nil
}
