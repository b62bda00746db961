package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/arbor/pkg/chat"
	"github.com/go-go-golems/arbor/pkg/config"
	"github.com/go-go-golems/arbor/pkg/engine"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
)

// app wires engine, coordinator and event router together for the duration
// of one CLI invocation.
type app struct {
	Engine      *engine.Engine
	Coordinator *chat.Coordinator

	router *events.EventRouter
	eg     *errgroup.Group
	cancel context.CancelFunc
}

func newApp(s *config.Settings) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}
	dsn, err := store.DSNForFile(s.DBPath)
	if err != nil {
		return nil, err
	}

	e, err := engine.New(store.NewHandlerFactory(dsn), engine.WithConfig(s.EngineConfig()))
	if err != nil {
		return nil, err
	}

	a := &app{Engine: e}

	var sink events.EventSink = events.NullSink{}
	if s.Verbose {
		router, err := events.NewEventRouter(events.WithVerbose(true))
		if err != nil {
			e.Stop()
			return nil, err
		}
		router.AddHandler("dump-events", events.TopicPersistence, router.DumpRawEvents)

		pm := events.NewPublisherManager()
		pm.SubscribePublisher(events.TopicPersistence, router.Publisher)
		sink = pm

		ctx, cancel := context.WithCancel(context.Background())
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			return router.Run(ctx)
		})
		<-router.Running()

		a.router = router
		a.eg = eg
		a.cancel = cancel
	}

	a.Coordinator = chat.NewCoordinator(e,
		chat.WithDebounce(s.FlushDebounce),
		chat.WithSink(sink),
	)
	return a, nil
}

func (a *app) Close() {
	a.Coordinator.Stop()
	a.Engine.Stop()
	if a.router != nil {
		a.cancel()
		_ = a.router.Close()
		if err := a.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("event router exited with error")
		}
	}
}
