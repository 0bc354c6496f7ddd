package intel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Poller polls a TAXII collection and hands every parsed intel item to Handle
type Poller struct {
	Client       *TAXIIClient
	Parser       *STIXParser
	CollectionID string
	Interval     time.Duration
	Handle       func(ctx context.Context, in *Intel)
	Logger       zerolog.Logger

	lastPoll time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a new TAXII poller
func NewPoller(client *TAXIIClient, collectionID string, interval time.Duration, handle func(context.Context, *Intel), logger zerolog.Logger) *Poller {
	return &Poller{
		Client:       client,
		Parser:       NewSTIXParser(),
		CollectionID: collectionID,
		Interval:     interval,
		Handle:       handle,
		Logger:       logger.With().Str("component", "taxii_poller").Str("collection", collectionID).Logger(),
		stopCh:       make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called or ctx is done
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	// Initial fetch
	p.poll(ctx)

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the polling loop (idempotent - safe to call multiple times)
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

func (p *Poller) poll(ctx context.Context) {
	// The first poll fetches the whole collection; later ones only what was added since.
	addedAfter := p.lastPoll
	started := time.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	data, err := p.Client.FetchIndicators(fetchCtx, p.CollectionID, addedAfter)
	if err != nil {
		p.Logger.Warn().Err(err).Str("url", p.Client.BaseURL).Msg("TAXII fetch failed")
		return
	}
	p.lastPoll = started

	items, err := p.Parser.ParseBundle(data)
	if err != nil {
		p.Logger.Warn().Err(err).Msg("STIX parse failed")
		return
	}

	for _, in := range items {
		p.Handle(ctx, in)
	}

	if len(items) > 0 {
		p.Logger.Info().Int("count", len(items)).Msg("fetched intel from TAXII feed")
	}
}
