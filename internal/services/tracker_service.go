package services

import (
	"context"
	"errors"
	"sync"

	"github.com/benmeehan/motion-tracker/internal/constants"
	"github.com/benmeehan/motion-tracker/internal/display"
	"github.com/benmeehan/motion-tracker/pkg/location"
	"github.com/benmeehan/motion-tracker/pkg/motion"
	"github.com/benmeehan/motion-tracker/pkg/permission"
	"github.com/rs/zerolog"
)

const eventQueueSize = 64

// LocationSource is the tracker side the service depends on.
type LocationSource interface {
	Acquire(ctx context.Context) (location.Location, error)
	OnUpdate(ctx context.Context, handler location.Handler) (location.Subscription, error)
}

// TrackerService owns the screen. Every callback is funnelled through a single
// event loop goroutine, which is the only writer of the display and of the
// subscription state below.
type TrackerService struct {
	locations LocationSource // nil when location is disabled
	gate      permission.Gate
	sensors   motion.Manager // nil when motion is disabled
	display   display.Display
	logger    zerolog.Logger

	events chan func()

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owned by the event loop
	present     map[motion.Kind]motion.Sensor
	sensorSubs  map[motion.Kind]motion.Subscription
	locationSub location.Subscription
}

// NewTrackerService creates the service. locations and sensors may be nil.
func NewTrackerService(locations LocationSource, gate permission.Gate, sensors motion.Manager,
	screen display.Display, logger zerolog.Logger) *TrackerService {
	return &TrackerService{
		locations: locations,
		gate:      gate,
		sensors:   sensors,
		display:   screen,
		logger:    logger.With().Str("service", "tracker").Logger(),
		events:    make(chan func(), eventQueueSize),
	}
}

// Start runs the event loop, checks permission and opens the sensor subscriptions.
func (t *TrackerService) Start() error {
	t.mu.Lock()
	if t.ctx != nil {
		t.mu.Unlock()
		t.logger.Warn().Msg("TrackerService is already running")
		return errors.New("tracker service is already running")
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	ctx := t.ctx
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runEventLoop(ctx)
	}()

	t.post(t.onCreate)

	t.logger.Info().Msg("TrackerService started successfully")
	return nil
}

// Stop closes every subscription and stops the event loop.
func (t *TrackerService) Stop() error {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		t.logger.Warn().Msg("TrackerService is not running")
		return errors.New("tracker service is not running")
	}
	// only the first caller gets cancel; the event loop keeps running until teardown
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	done := make(chan struct{})
	if t.post(func() {
		t.closeSensorSubscriptions()
		if t.locationSub != nil {
			t.locationSub.Cancel()
			t.locationSub = nil
		}
		close(done)
	}) {
		<-done
	}

	cancel()
	t.mu.Lock()
	t.ctx = nil
	t.mu.Unlock()
	t.wg.Wait()

	t.logger.Info().Msg("TrackerService stopped successfully")
	return nil
}

// Pause closes the sensor subscriptions while the screen is not visible.
func (t *TrackerService) Pause() {
	t.post(func() {
		t.logger.Info().Msg("Screen hidden, closing sensor subscriptions")
		t.closeSensorSubscriptions()
	})
}

// Resume reopens subscriptions for every sensor present at startup.
func (t *TrackerService) Resume() {
	t.post(func() {
		t.logger.Info().Msg("Screen visible, reopening sensor subscriptions")
		for _, kind := range motion.Kinds {
			if _, ok := t.present[kind]; ok {
				t.subscribeSensor(kind)
			}
		}
	})
}

// OnPermissionResult receives the answer to a permission request.
func (t *TrackerService) OnPermissionResult(requestCode int, granted bool) {
	t.post(func() {
		if requestCode != constants.LocationPermissionRequestCode {
			t.logger.Debug().Int("request_code", requestCode).Msg("Ignoring unknown permission request code")
			return
		}
		if !granted {
			t.logger.Warn().Msg("Location permission denied")
			t.display.Notify(constants.NoticePermissionDenied)
			return
		}
		t.logger.Info().Msg("Location permission granted")
		t.startLocation()
	})
}

func (t *TrackerService) runEventLoop(ctx context.Context) {
	for {
		select {
		case fn := <-t.events:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// post queues fn on the event loop. It reports false when the service is not
// running and fn was dropped.
func (t *TrackerService) post(fn func()) bool {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return false
	}

	select {
	case t.events <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

// barrier returns once every event queued before it has run.
func (t *TrackerService) barrier() {
	done := make(chan struct{})
	if t.post(func() { close(done) }) {
		<-done
	}
}

func (t *TrackerService) onCreate() {
	t.display.SetLocation(constants.NoLocationText)

	if t.locations == nil {
		t.logger.Info().Msg("Location is disabled")
	} else if t.gate.Check() == permission.Granted {
		t.startLocation()
	} else {
		t.logger.Info().Msg("Requesting location permission")
		t.gate.Request(t.loopContext(), constants.LocationPermissionRequestCode, t.OnPermissionResult)
	}

	t.present = make(map[motion.Kind]motion.Sensor)
	t.sensorSubs = make(map[motion.Kind]motion.Subscription)
	for _, kind := range motion.Kinds {
		var (
			sensor motion.Sensor
			ok     bool
		)
		if t.sensors != nil {
			sensor, ok = t.sensors.DefaultSensor(kind)
		}
		if !ok {
			t.logger.Info().Str("sensor", kind.Key()).Msg("Sensor not available")
			t.display.SetMotion(kind, kind.String()+constants.SensorUnavailableSuffix)
			continue
		}
		t.present[kind] = sensor
		t.subscribeSensor(kind)
	}
}

// startLocation shows a one-shot reading and opens the standing location subscription.
func (t *TrackerService) startLocation() {
	if t.locationSub != nil {
		return
	}
	ctx := t.loopContext()

	go func() {
		loc, err := t.locations.Acquire(ctx)
		t.post(func() {
			if err != nil {
				t.reportLocationError(err, constants.NoticeUnableToGetLocation)
				return
			}
			t.showLocation(loc)
		})
	}()

	sub, err := t.locations.OnUpdate(ctx, func(loc location.Location) {
		t.post(func() { t.showLocation(loc) })
	})
	if err != nil {
		t.reportLocationError(err, constants.NoticeUpdatesUnavailable)
		return
	}
	t.locationSub = sub
}

func (t *TrackerService) reportLocationError(err error, notice string) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, location.ErrNotAuthorized):
		t.logger.Error().Err(err).Msg("Location access not authorized")
		t.display.Notify(constants.NoticeNotAuthorized)
	default:
		t.logger.Warn().Err(err).Msg(notice)
		t.display.Notify(notice)
	}
}

func (t *TrackerService) showLocation(loc location.Location) {
	t.display.SetLocation(FormatLocation(loc))
}

func (t *TrackerService) subscribeSensor(kind motion.Kind) {
	if _, ok := t.sensorSubs[kind]; ok {
		return
	}

	var sub motion.Subscription
	sub, err := t.sensors.Register(t.present[kind], motion.RateNormal, func(s motion.Sample) {
		t.post(func() {
			// drop samples queued by a subscription that has since been closed
			if t.sensorSubs[kind] != sub {
				return
			}
			t.display.SetMotion(kind, FormatSample(s))
		})
	})
	if err != nil {
		t.logger.Error().Err(err).Str("sensor", kind.Key()).Msg("Failed to register sensor listener")
		return
	}
	t.sensorSubs[kind] = sub
}

func (t *TrackerService) closeSensorSubscriptions() {
	for kind, sub := range t.sensorSubs {
		if err := sub.Cancel(); err != nil {
			t.logger.Warn().Err(err).Str("sensor", kind.Key()).Msg("Failed to close sensor subscription")
		}
		delete(t.sensorSubs, kind)
	}
}

func (t *TrackerService) loopContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}
