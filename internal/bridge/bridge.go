// Package bridge connects the intel bus to VAST. Intel arriving on the bus
// (or from TAXII feeds) is matched against historical data and registered
// with a live matcher; every hit goes back to the bus as a sighting.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"threatbus/vast-bridge/internal/backbone"
	"threatbus/vast-bridge/internal/intel"
	"threatbus/vast-bridge/internal/mapping"
	"threatbus/vast-bridge/internal/metrics"
	"threatbus/vast-bridge/internal/vast"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Engine is the part of the VAST client the bridge drives
type Engine interface {
	Import(ctx context.Context, record string) error
	RemoveIOC(ctx context.Context, matcher, ioc, typ string) error
	StartMatcher(ctx context.Context, name string, args ...string) error
	AttachMatcher(ctx context.Context, name string, fn func(line string) error) error
	Export(ctx context.Context, query string, maxEvents int, fn func(line string) error) error
}

// Options holds the bus topics, the matching modes and the limits applied
// to VAST invocations. A zero MatcherName gets a generated one.
type Options struct {
	IntelTopic          string
	SightingTopic       string
	RetroMatch          bool
	RetroMatchMaxEvents int
	LiveMatch           bool
	MatcherName         string
	MatcherArgs         []string
	MaxBackgroundTasks  int
	CommandTimeout      time.Duration
	// OnSighting, when set, sees every sighting after it reached the bus
	OnSighting          func(*intel.Sighting)
}

// ErrStopped is returned by Handle once Run has returned
var ErrStopped = errors.New("bridge stopped")

// Bridge is safe for concurrent Handle calls
type Bridge struct {
	bus      backbone.Backbone
	engine   Engine
	registry intel.Registry
	codec    Codec
	opts     Options
	logger   zerolog.Logger

	// serializes the registered check with registration
	regMu   sync.Mutex
	retro   errgroup.Group
	ready   atomic.Bool
	stopped atomic.Bool
}

func New(bus backbone.Backbone, engine Engine, registry intel.Registry, codec Codec, opts Options, logger zerolog.Logger) *Bridge {
	if opts.MatcherName == "" {
		opts.MatcherName = vast.NewMatcherName()
	}
	if opts.MaxBackgroundTasks < 1 {
		opts.MaxBackgroundTasks = 1
	}
	b := &Bridge{
		bus:      bus,
		engine:   engine,
		registry: registry,
		codec:    codec,
		opts:     opts,
		logger:   logger.With().Str("component", "bridge").Logger(),
	}
	b.retro.SetLimit(opts.MaxBackgroundTasks)
	return b
}

// MatcherName is the name of the live matcher this bridge feeds
func (b *Bridge) MatcherName() string { return b.opts.MatcherName }

// Ready reports whether Run has finished starting up
func (b *Bridge) Ready() bool { return b.ready.Load() }

// Run starts the live matcher (if enabled), consumes intel from the bus and
// blocks until ctx is done or a stream fails. Pending retro matches are
// awaited before it returns.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.ready.Store(false)
	defer b.stopped.Store(true)

	g, gctx := errgroup.WithContext(ctx)

	if b.opts.LiveMatch {
		if err := b.engine.StartMatcher(ctx, b.opts.MatcherName, b.opts.MatcherArgs...); err != nil {
			return fmt.Errorf("start matcher %s: %w", b.opts.MatcherName, err)
		}
		b.logger.Info().Str("matcher", b.opts.MatcherName).Msg("live matcher started")
		b.reseed(ctx)

		g.Go(func() error {
			err := b.engine.AttachMatcher(gctx, b.opts.MatcherName, func(line string) error {
				b.handleMatcherResult(gctx, line)
				return nil
			})
			if gctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("matcher output ended")
			}
			return fmt.Errorf("attach matcher %s: %w", b.opts.MatcherName, err)
		})
	}

	g.Go(func() error {
		err := b.bus.Consume(gctx, b.opts.IntelTopic, func(payload []byte) {
			b.handlePayload(gctx, payload)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", b.opts.IntelTopic, err)
		}
		return nil
	})

	b.ready.Store(true)
	b.logger.Info().
		Str("intel_topic", b.opts.IntelTopic).
		Str("sighting_topic", b.opts.SightingTopic).
		Bool("retro_match", b.opts.RetroMatch).
		Bool("live_match", b.opts.LiveMatch).
		Msg("bridge running")

	err := g.Wait()
	b.retro.Wait()
	return err
}

func (b *Bridge) handlePayload(ctx context.Context, payload []byte) {
	items, err := b.codec.DecodeIntel(payload)
	if err != nil {
		metrics.RecordsDropped.WithLabelValues("decode").Inc()
		b.logger.Debug().Err(err).Int("bytes", len(payload)).Msg("dropping undecodable intel")
		return
	}
	for _, in := range items {
		if err := b.Handle(ctx, in); err != nil {
			b.logger.Warn().Err(err).Str("intel_id", in.ID).Msg("intel not handled")
		}
	}
}

// HandleIntel adapts Handle to the TAXII poller callback
func (b *Bridge) HandleIntel(ctx context.Context, in *intel.Intel) {
	if err := b.Handle(ctx, in); err != nil {
		ev := b.logger.Warn().Err(err)
		if in != nil {
			ev = ev.Str("intel_id", in.ID)
		}
		ev.Msg("intel not handled")
	}
}

// Handle applies one intel change. Additions are registered with the live
// matcher and scheduled for a retro match; removals are withdrawn.
// Intel arriving after Run has returned, or with a done ctx, is dropped.
func (b *Bridge) Handle(ctx context.Context, in *intel.Intel) error {
	if err := in.Validate(); err != nil {
		metrics.RecordsDropped.WithLabelValues("intel").Inc()
		return err
	}
	if b.stopped.Load() {
		metrics.RecordsDropped.WithLabelValues("stopped").Inc()
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordsDropped.WithLabelValues("stopped").Inc()
		return err
	}
	metrics.IntelReceived.WithLabelValues(in.Operation.String()).Inc()

	switch in.Operation {
	case intel.OperationAdd:
		fresh, err := b.register(ctx, in)
		if err != nil || !fresh {
			return err
		}
		if b.opts.RetroMatch {
			// Go blocks while MaxBackgroundTasks queries are in flight
			b.retro.Go(func() error {
				b.retroMatch(ctx, in)
				return nil
			})
		}
	case intel.OperationRemove:
		return b.unregister(ctx, in)
	}
	return nil
}

// register records in and imports it into the live matcher. It reports false
// for ids that are already registered.
func (b *Bridge) register(ctx context.Context, in *intel.Intel) (bool, error) {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	if _, ok := b.registry.Get(in.ID); ok {
		b.logger.Debug().Str("intel_id", in.ID).Msg("intel already registered, skipping")
		return false, nil
	}

	if b.opts.LiveMatch {
		record, ok := mapping.ToVastIOC(in)
		if !ok {
			metrics.RecordsDropped.WithLabelValues("ioc").Inc()
			return false, fmt.Errorf("intel %s has no matchable indicator", in.ID)
		}
		cctx, cancel := b.commandContext(ctx)
		err := b.engine.Import(cctx, record)
		cancel()
		if err != nil {
			return false, fmt.Errorf("import %s: %w", in.ID, err)
		}
	}

	if err := b.registry.Put(in); err != nil {
		return false, fmt.Errorf("register %s: %w", in.ID, err)
	}
	metrics.RegistrySize.Set(float64(b.registry.Len()))
	return true, nil
}

func (b *Bridge) unregister(ctx context.Context, in *intel.Intel) error {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	if b.opts.LiveMatch {
		ioc, ok := mapping.GetIOC(in)
		typ, typOK := mapping.GetVastIntelType(in)
		if !ok || !typOK {
			metrics.RecordsDropped.WithLabelValues("ioc").Inc()
			return fmt.Errorf("intel %s has no matchable indicator", in.ID)
		}
		cctx, cancel := b.commandContext(ctx)
		err := b.engine.RemoveIOC(cctx, b.opts.MatcherName, ioc, typ)
		cancel()
		if err != nil {
			return fmt.Errorf("remove %s: %w", in.ID, err)
		}
	}

	if err := b.registry.Delete(in.ID); err != nil {
		return fmt.Errorf("unregister %s: %w", in.ID, err)
	}
	metrics.RegistrySize.Set(float64(b.registry.Len()))
	return nil
}

// reseed imports every registered intel into a freshly started matcher
func (b *Bridge) reseed(ctx context.Context) {
	items, err := b.registry.All()
	if err != nil {
		b.logger.Warn().Err(err).Msg("could not read intel registry")
		return
	}
	imported := 0
	for _, in := range items {
		record, ok := mapping.ToVastIOC(in)
		if !ok {
			continue
		}
		cctx, cancel := b.commandContext(ctx)
		err := b.engine.Import(cctx, record)
		cancel()
		if err != nil {
			b.logger.Warn().Err(err).Str("intel_id", in.ID).Msg("re-import failed")
			continue
		}
		imported++
	}
	metrics.RegistrySize.Set(float64(b.registry.Len()))
	if len(items) > 0 {
		b.logger.Info().Int("imported", imported).Int("registered", len(items)).Msg("re-imported registered intel")
	}
}

func (b *Bridge) retroMatch(ctx context.Context, in *intel.Intel) {
	query, ok := mapping.ToVastQuery(in)
	if !ok {
		metrics.RecordsDropped.WithLabelValues("query").Inc()
		b.logger.Debug().Str("intel_id", in.ID).Msg("no query for intel")
		return
	}

	hits := 0
	err := b.engine.Export(ctx, query, b.opts.RetroMatchMaxEvents, func(line string) error {
		s, ok := mapping.QueryResultToSighting(line, in)
		if !ok {
			metrics.RecordsDropped.WithLabelValues("query_result").Inc()
			b.logger.Debug().Str("intel_id", in.ID).Str("result", line).Msg("dropping unusable query result")
			return nil
		}
		hits++
		return b.publish(ctx, s, "retro")
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Warn().Err(err).Str("intel_id", in.ID).Str("query", query).Msg("retro match failed")
		return
	}
	b.logger.Debug().Str("intel_id", in.ID).Int("sightings", hits).Msg("retro match done")
}

func (b *Bridge) handleMatcherResult(ctx context.Context, line string) {
	s, ok := mapping.MatcherResultToSighting(line)
	if !ok {
		metrics.RecordsDropped.WithLabelValues("matcher_result").Inc()
		b.logger.Debug().Str("result", line).Msg("dropping unusable matcher result")
		return
	}
	if err := b.publish(ctx, s, "live"); err != nil && ctx.Err() == nil {
		b.logger.Warn().Err(err).Str("intel_id", s.Intel).Msg("sighting not published")
	}
}

func (b *Bridge) publish(ctx context.Context, s *intel.Sighting, kind string) error {
	payload, err := b.codec.EncodeSighting(s)
	if err != nil {
		return fmt.Errorf("encode sighting: %w", err)
	}
	if err := b.bus.Publish(ctx, b.opts.SightingTopic, payload); err != nil {
		return err
	}
	metrics.SightingsPublished.WithLabelValues(kind).Inc()
	if b.opts.OnSighting != nil {
		b.opts.OnSighting(s)
	}
	return nil
}

func (b *Bridge) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.CommandTimeout > 0 {
		return context.WithTimeout(ctx, b.opts.CommandTimeout)
	}
	return context.WithCancel(ctx)
}
