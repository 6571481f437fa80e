package app

import (
	"context"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/quillsocial/feedsync/internal/config"
	"github.com/quillsocial/feedsync/internal/feedcache/realtime"
	"github.com/quillsocial/feedsync/internal/feedcache/syncer"
	"github.com/quillsocial/feedsync/internal/remote/fixture"
	"github.com/quillsocial/feedsync/internal/remote/pgbackend"
)

// Remote is an opened backend. ChangeLog is set when the backend can also
// serve realtime changes by polling.
type Remote struct {
	Backend   syncer.Backend
	ChangeLog realtime.ChangeLog
	close     func()
}

// Close releases the backend.
func (r *Remote) Close() {
	if r.close != nil {
		r.close()
	}
}

// OpenRemote opens the backend named by cfg.Backend.
func OpenRemote(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Remote, error) {
	switch cfg.Backend.Kind {
	case "fixture":
		b, err := fixture.Open(cfg.Backend.FixtureDir, &fixture.Config{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open fixture %s: %w", cfg.Backend.FixtureDir, err)
		}
		return &Remote{Backend: b, ChangeLog: b}, nil
	case "postgres":
		b, err := pgbackend.Connect(ctx, cfg.Backend.PostgresDSN, &pgbackend.Config{Logger: logger})
		if err != nil {
			return nil, err
		}
		return &Remote{Backend: b, ChangeLog: b, close: b.Close}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}
}

// OpenSubscriber builds the realtime transport named by cfg.Realtime. It
// returns nil for "none". The close func is never nil.
func OpenSubscriber(cfg *config.Config, remote *Remote, logger *log.Logger) (realtime.Subscriber, func(), error) {
	noop := func() {}
	rc := cfg.Realtime
	switch rc.Transport {
	case "none", "":
		return nil, noop, nil
	case "ws":
		return realtime.NewWSSubscriber(rc.URL), noop, nil
	case "nats":
		nc, err := nats.Connect(rc.URL, nats.Name("feedsync"))
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to nats: %w", err)
		}
		return realtime.NewNATSSubscriber(nc, rc.SubjectPrefix), nc.Close, nil
	case "spool":
		return realtime.NewSpoolSubscriber(rc.SpoolDir), noop, nil
	case "poll":
		if remote == nil || remote.ChangeLog == nil {
			return nil, noop, fmt.Errorf("backend %q has no change log to poll", cfg.Backend.Kind)
		}
		return realtime.NewPoller(remote.ChangeLog, realtime.PollerConfig{
			Interval: rc.PollInterval,
			Logger:   logger,
		}), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown realtime transport %q", rc.Transport)
	}
}
