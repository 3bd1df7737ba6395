package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/motion-tracker/internal/constants"
	"github.com/benmeehan/motion-tracker/pkg/location"
	"github.com/benmeehan/motion-tracker/pkg/motion"
	"github.com/benmeehan/motion-tracker/pkg/permission"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acquireResult struct {
	loc location.Location
	err error
}

type fakeLocations struct {
	acquire chan acquireResult

	mu        sync.Mutex
	handler   location.Handler
	updates   int
	cancels   int
	updateErr error
}

func newFakeLocations() *fakeLocations {
	return &fakeLocations{acquire: make(chan acquireResult, 1)}
}

func (f *fakeLocations) Acquire(ctx context.Context) (location.Location, error) {
	select {
	case r := <-f.acquire:
		return r.loc, r.err
	case <-ctx.Done():
		return location.Location{}, ctx.Err()
	}
}

func (f *fakeLocations) OnUpdate(_ context.Context, handler location.Handler) (location.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates++
	f.handler = handler
	return fakeLocationSub{f}, nil
}

func (f *fakeLocations) push(loc location.Location) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(loc)
}

func (f *fakeLocations) counts() (updates, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates, f.cancels
}

type fakeLocationSub struct{ f *fakeLocations }

func (s fakeLocationSub) Cancel() {
	s.f.mu.Lock()
	s.f.cancels++
	s.f.mu.Unlock()
}

type fakeSensors struct {
	sensors map[motion.Kind]motion.Sensor

	mu         sync.Mutex
	handlers   map[motion.Kind]motion.Handler
	registered map[motion.Kind]int
	cancelled  map[motion.Kind]int
}

func newFakeSensors(kinds ...motion.Kind) *fakeSensors {
	f := &fakeSensors{
		sensors:    make(map[motion.Kind]motion.Sensor),
		handlers:   make(map[motion.Kind]motion.Handler),
		registered: make(map[motion.Kind]int),
		cancelled:  make(map[motion.Kind]int),
	}
	for _, kind := range kinds {
		f.sensors[kind] = motion.Sensor{Kind: kind, Name: kind.Key(), Topic: "imu/" + kind.Key()}
	}
	return f
}

func (f *fakeSensors) DefaultSensor(kind motion.Kind) (motion.Sensor, bool) {
	s, ok := f.sensors[kind]
	return s, ok
}

func (f *fakeSensors) Register(sensor motion.Sensor, _ motion.Rate, handler motion.Handler) (motion.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[sensor.Kind]++
	f.handlers[sensor.Kind] = handler
	return &fakeSensorSub{f: f, kind: sensor.Kind}, nil
}

func (f *fakeSensors) handler(kind motion.Kind) motion.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[kind]
}

// active is the number of open registrations for kind.
func (f *fakeSensors) active(kind motion.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[kind] - f.cancelled[kind]
}

func (f *fakeSensors) registrations(kind motion.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[kind]
}

type fakeSensorSub struct {
	f    *fakeSensors
	kind motion.Kind
}

func (s *fakeSensorSub) Cancel() error {
	s.f.mu.Lock()
	s.f.cancelled[s.kind]++
	s.f.mu.Unlock()
	return nil
}

type recordingDisplay struct {
	mu        sync.Mutex
	locations []string
	motion    map[motion.Kind]string
	notices   []string
}

func newRecordingDisplay() *recordingDisplay {
	return &recordingDisplay{motion: make(map[motion.Kind]string)}
}

func (d *recordingDisplay) SetLocation(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locations = append(d.locations, text)
}

func (d *recordingDisplay) SetMotion(kind motion.Kind, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.motion[kind] = text
}

func (d *recordingDisplay) Notify(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, text)
}

func (d *recordingDisplay) location() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.locations) == 0 {
		return ""
	}
	return d.locations[len(d.locations)-1]
}

func (d *recordingDisplay) motionText(kind motion.Kind) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motion[kind]
}

func (d *recordingDisplay) noticeList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.notices...)
}

// manualGate records requests and lets the test answer them.
type manualGate struct {
	state permission.State

	mu       sync.Mutex
	requests []int
}

func (g *manualGate) Check() permission.State { return g.state }

func (g *manualGate) Request(_ context.Context, requestCode int, _ permission.ResultHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, requestCode)
}

func (g *manualGate) requestCodes() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.requests...)
}

type serviceFixture struct {
	service   *TrackerService
	locations *fakeLocations
	sensors   *fakeSensors
	display   *recordingDisplay
}

func startService(t *testing.T, gate permission.Gate, sensors *fakeSensors) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		locations: newFakeLocations(),
		sensors:   sensors,
		display:   newRecordingDisplay(),
	}
	f.service = NewTrackerService(f.locations, gate, sensors, f.display, zerolog.Nop())
	require.NoError(t, f.service.Start())
	t.Cleanup(func() { _ = f.service.Stop() })
	f.service.barrier()
	return f
}

func TestTrackerService_ShowsNoDataFirst(t *testing.T) {
	f := startService(t, permission.NewStaticGate(permission.Granted), newFakeSensors())

	assert.Equal(t, constants.NoLocationText, f.display.location())
	updates, _ := f.locations.counts()
	assert.Equal(t, 1, updates)
}

func TestTrackerService_ShowsAcquiredLocation(t *testing.T) {
	f := startService(t, permission.NewStaticGate(permission.Granted), newFakeSensors())

	f.locations.acquire <- acquireResult{loc: location.Location{Latitude: 12.34, Longitude: 56.78}}

	assert.Eventually(t, func() bool {
		return f.display.location() == "Latitude: 12.34\nLongitude: 56.78"
	}, time.Second, 5*time.Millisecond)
}

func TestTrackerService_PermissionDeniedAtStartup(t *testing.T) {
	f := startService(t, permission.NewStaticGate(permission.Denied), newFakeSensors())

	assert.Eventually(t, func() bool { return len(f.display.noticeList()) > 0 }, time.Second, 5*time.Millisecond)
	f.service.barrier()

	assert.Equal(t, []string{constants.NoticePermissionDenied}, f.display.noticeList())
	assert.Equal(t, constants.NoLocationText, f.display.location())
	updates, _ := f.locations.counts()
	assert.Equal(t, 0, updates)
}

func TestTrackerService_PermissionGrantedOnRequest(t *testing.T) {
	gate := &manualGate{state: permission.Denied}
	f := startService(t, gate, newFakeSensors())

	require.Equal(t, []int{constants.LocationPermissionRequestCode}, gate.requestCodes())

	f.service.OnPermissionResult(7, true)
	f.service.barrier()
	updates, _ := f.locations.counts()
	assert.Equal(t, 0, updates)

	f.service.OnPermissionResult(constants.LocationPermissionRequestCode, true)
	f.service.OnPermissionResult(constants.LocationPermissionRequestCode, true)
	f.service.barrier()
	updates, _ = f.locations.counts()
	assert.Equal(t, 1, updates)
	assert.Empty(t, f.display.noticeList())
}

func TestTrackerService_ForeignDeniedResultIgnored(t *testing.T) {
	gate := &manualGate{state: permission.Denied}
	f := startService(t, gate, newFakeSensors())

	f.service.OnPermissionResult(42, false)
	f.service.barrier()

	assert.Empty(t, f.display.noticeList())
}

func TestTrackerService_LocationErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no fix", location.ErrNoFix, constants.NoticeUnableToGetLocation},
		{"not authorized", fmt.Errorf("wrapped: %w", location.ErrNotAuthorized), constants.NoticeNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := startService(t, permission.NewStaticGate(permission.Granted), newFakeSensors())

			f.locations.acquire <- acquireResult{err: tt.err}

			assert.Eventually(t, func() bool { return len(f.display.noticeList()) == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.want, f.display.noticeList()[0])
			assert.Equal(t, constants.NoLocationText, f.display.location())
		})
	}
}

func TestTrackerService_UpdateSubscriptionError(t *testing.T) {
	locations := newFakeLocations()
	locations.updateErr = errors.New("serial port busy")
	screen := newRecordingDisplay()
	service := NewTrackerService(locations, permission.NewStaticGate(permission.Granted), nil, screen, zerolog.Nop())
	require.NoError(t, service.Start())
	defer service.Stop()
	service.barrier()

	assert.Equal(t, []string{constants.NoticeUpdatesUnavailable}, screen.noticeList())
}

func TestTrackerService_LatestReadingWins(t *testing.T) {
	f := startService(t, permission.NewStaticGate(permission.Granted), newFakeSensors())

	f.locations.push(location.Location{Latitude: 1, Longitude: 2})
	f.service.barrier()
	assert.Equal(t, "Latitude: 1.0\nLongitude: 2.0", f.display.location())

	f.locations.acquire <- acquireResult{loc: location.Location{Latitude: 3.5, Longitude: 4.5}}
	assert.Eventually(t, func() bool {
		return f.display.location() == "Latitude: 3.5\nLongitude: 4.5"
	}, time.Second, 5*time.Millisecond)

	f.locations.push(location.Location{Latitude: 5, Longitude: 6})
	f.service.barrier()
	assert.Equal(t, "Latitude: 5.0\nLongitude: 6.0", f.display.location())
}

func TestTrackerService_AbsentSensors(t *testing.T) {
	sensors := newFakeSensors(motion.Accelerometer)
	f := startService(t, permission.NewStaticGate(permission.Granted), sensors)

	assert.Equal(t, "Gyroscope not available", f.display.motionText(motion.Gyroscope))
	assert.Equal(t, "Magnetometer not available", f.display.motionText(motion.Magnetometer))
	assert.Equal(t, 1, sensors.registrations(motion.Accelerometer))
	assert.Equal(t, 0, sensors.registrations(motion.Gyroscope))

	sensors.handler(motion.Accelerometer)(motion.Sample{Kind: motion.Accelerometer, X: 0.1, Y: 9.8, Z: -0.2})
	f.service.barrier()
	assert.Equal(t, "Accelerometer:\nX: 0.1\nY: 9.8\nZ: -0.2", f.display.motionText(motion.Accelerometer))
}

func TestTrackerService_NoMotionManager(t *testing.T) {
	screen := newRecordingDisplay()
	service := NewTrackerService(nil, permission.NewStaticGate(permission.Denied), nil, screen, zerolog.Nop())
	require.NoError(t, service.Start())
	defer service.Stop()
	service.barrier()

	for _, kind := range motion.Kinds {
		assert.Equal(t, kind.String()+" not available", screen.motionText(kind))
	}
	assert.Equal(t, constants.NoLocationText, screen.location())
	assert.Empty(t, screen.noticeList())
}

func TestTrackerService_PauseResume(t *testing.T) {
	sensors := newFakeSensors(motion.Accelerometer, motion.Gyroscope)
	f := startService(t, permission.NewStaticGate(permission.Granted), sensors)
	stale := sensors.handler(motion.Accelerometer)

	f.service.Pause()
	f.service.Pause()
	f.service.barrier()
	assert.Equal(t, 0, sensors.active(motion.Accelerometer))
	assert.Equal(t, 0, sensors.active(motion.Gyroscope))

	stale(motion.Sample{Kind: motion.Accelerometer, X: 1, Y: 1, Z: 1})
	f.service.barrier()
	assert.Empty(t, f.display.motionText(motion.Accelerometer))

	f.service.Resume()
	f.service.Resume()
	f.service.barrier()
	assert.Equal(t, 1, sensors.active(motion.Accelerometer))
	assert.Equal(t, 1, sensors.active(motion.Gyroscope))
	assert.Equal(t, 2, sensors.registrations(motion.Accelerometer))

	stale(motion.Sample{Kind: motion.Accelerometer, X: 1, Y: 1, Z: 1})
	f.service.barrier()
	assert.Empty(t, f.display.motionText(motion.Accelerometer))

	sensors.handler(motion.Accelerometer)(motion.Sample{Kind: motion.Accelerometer, X: 2, Y: 2, Z: 2})
	f.service.barrier()
	assert.Equal(t, "Accelerometer:\nX: 2.0\nY: 2.0\nZ: 2.0", f.display.motionText(motion.Accelerometer))
}

func TestTrackerService_StartStop(t *testing.T) {
	sensors := newFakeSensors(motion.Magnetometer)
	locations := newFakeLocations()
	service := NewTrackerService(locations, permission.NewStaticGate(permission.Granted), sensors, newRecordingDisplay(), zerolog.Nop())

	assert.EqualError(t, service.Stop(), "tracker service is not running")

	require.NoError(t, service.Start())
	assert.EqualError(t, service.Start(), "tracker service is already running")
	service.barrier()

	require.NoError(t, service.Stop())
	_, cancels := locations.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, 0, sensors.active(motion.Magnetometer))

	// events after Stop are dropped
	service.Resume()
	assert.Equal(t, 1, sensors.registrations(motion.Magnetometer))
}

func TestTrackerService_ConcurrentStop(t *testing.T) {
	for i := 0; i < 200; i++ {
		service := NewTrackerService(nil, permission.NewStaticGate(permission.Denied), nil, newRecordingDisplay(), zerolog.Nop())
		require.NoError(t, service.Start())

		errs := make(chan error, 2)
		for j := 0; j < 2; j++ {
			go func() { errs <- service.Stop() }()
		}
		first, second := <-errs, <-errs

		failures := 0
		for _, err := range []error{first, second} {
			if err != nil {
				assert.EqualError(t, err, "tracker service is not running")
				failures++
			}
		}
		assert.Equal(t, 1, failures)
	}
}
