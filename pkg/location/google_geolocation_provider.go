package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/benmeehan/motion-tracker/internal/utils"
	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"
)

const lookupTimeout = 10 * time.Second

// Geolocator is the subset of the Maps client used by the provider.
type Geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GoogleGeolocationProvider uses the Google Maps API to get location data.
type GoogleGeolocationProvider struct {
	client     Geolocator
	interval   time.Duration
	modemIndex int
	clock      clock.Clock
	logger     zerolog.Logger
	workerPool *utils.WorkerPool

	scanWiFi  func(ctx context.Context) ([]maps.WiFiAccessPoint, error)
	scanCells func(ctx context.Context, modemIndex int) ([]maps.CellTower, error)

	subs *subscribers

	mu      sync.Mutex
	last    Location
	hasFix  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	lookups sync.Mutex // serialises Maps requests
}

// NewGoogleGeolocationProvider creates a new GoogleGeolocationProvider instance.
func NewGoogleGeolocationProvider(apiKey string, interval time.Duration, modemIndex int, logger zerolog.Logger) (*GoogleGeolocationProvider, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("geolocation interval %s must be positive", interval)
	}
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	return newGoogleGeolocationProvider(c, interval, modemIndex, clock.New(), logger), nil
}

func newGoogleGeolocationProvider(client Geolocator, interval time.Duration, modemIndex int, clk clock.Clock, logger zerolog.Logger) *GoogleGeolocationProvider {
	return &GoogleGeolocationProvider{
		client:     client,
		interval:   interval,
		modemIndex: modemIndex,
		clock:      clk,
		logger:     logger.With().Str("provider", "google").Logger(),
		workerPool: utils.NewWorkerPool(2),
		scanWiFi:   getWiFiAccessPoints,
		scanCells:  getCellTowers,
		subs:       newSubscribers(),
	}
}

// LastKnown returns the cached location or performs a fresh lookup.
func (g *GoogleGeolocationProvider) LastKnown(ctx context.Context) (Location, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Location{}, ErrProviderClosed
	}
	if g.hasFix {
		loc := g.last
		g.mu.Unlock()
		return loc, nil
	}
	g.mu.Unlock()

	loc, err := g.lookup(ctx)
	if err != nil {
		return Location{}, err
	}
	return loc, nil
}

// Subscribe delivers a fresh lookup to handler every interval.
func (g *GoogleGeolocationProvider) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrProviderClosed
	}

	id, n := g.subs.add(handler)
	if n == 1 {
		g.startPollingLocked()
	}

	return &subscription{cancel: func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.subs.remove(id) == 0 {
			g.stopPollingLocked()
		}
	}}, nil
}

// Close stops polling and releases the worker pool.
func (g *GoogleGeolocationProvider) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.stopPollingLocked()
	g.mu.Unlock()

	g.wg.Wait()
	g.lookups.Lock()
	g.workerPool.Shutdown()
	g.lookups.Unlock()
	return nil
}

func (g *GoogleGeolocationProvider) startPollingLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	// created here so that a mock clock observes the ticker before Subscribe returns
	ticker := g.clock.Ticker(g.interval)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := g.lookup(ctx); err != nil && !errors.Is(err, context.Canceled) {
					g.logger.Error().Err(err).Msg("Failed to get location from provider")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	g.logger.Info().Dur("interval", g.interval).Msg("Geolocation polling started")
}

func (g *GoogleGeolocationProvider) stopPollingLocked() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	g.cancel = nil
	g.logger.Info().Msg("Geolocation polling stopped")
}

// lookup queries the Maps API and publishes the result to subscribers.
func (g *GoogleGeolocationProvider) lookup(ctx context.Context) (Location, error) {
	g.lookups.Lock()
	defer g.lookups.Unlock()

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return Location{}, ErrProviderClosed
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	req := &maps.GeolocationRequest{ConsiderIP: true}
	req.WiFiAccessPoints, req.CellTowers = g.scan(ctx)

	resp, err := g.client.Geolocate(ctx, req)
	if err != nil {
		return Location{}, fmt.Errorf("geolocation request failed: %w", err)
	}

	loc := Location{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  resp.Accuracy,
		Timestamp: g.clock.Now(),
	}

	g.mu.Lock()
	g.last = loc
	g.hasFix = true
	g.mu.Unlock()

	g.subs.publish(loc)
	return loc, nil
}

// scan collects nearby access points and cell towers concurrently. Failures are
// logged and leave the corresponding list empty so the lookup falls back to IP.
func (g *GoogleGeolocationProvider) scan(ctx context.Context) ([]maps.WiFiAccessPoint, []maps.CellTower) {
	var (
		wg     sync.WaitGroup
		wifi   []maps.WiFiAccessPoint
		towers []maps.CellTower
	)

	wg.Add(2)
	g.workerPool.Submit(func() {
		defer wg.Done()
		aps, err := g.scanWiFi(ctx)
		if err != nil {
			g.logger.Warn().Err(err).Msg("WiFi scan failed")
			return
		}
		wifi = aps
	})
	g.workerPool.Submit(func() {
		defer wg.Done()
		cells, err := g.scanCells(ctx, g.modemIndex)
		if err != nil {
			g.logger.Warn().Err(err).Int("modem", g.modemIndex).Msg("Cell tower scan failed")
			return
		}
		towers = cells
	})
	wg.Wait()

	return wifi, towers
}
