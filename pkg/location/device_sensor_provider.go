package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

const (
	serialReadTimeout = 500 * time.Millisecond
	eofBackoff        = 50 * time.Millisecond
	reopenDelay       = time.Second
)

// DeviceSensorProvider is responsible for retrieving location data from a GPS device connected via serial port.
// The port stays open while at least one caller is waiting for or subscribed to fixes.
type DeviceSensorProvider struct {
	port     string // Serial port to which the GPS device is connected
	baudRate int    // Baud rate for the serial communication
	logger   zerolog.Logger

	openPort    func() (io.ReadCloser, error)
	reopenDelay time.Duration
	subs        *subscribers

	mu      sync.Mutex
	refs    int
	conn    io.ReadCloser
	stopped chan struct{}
	last    Location
	hasFix  bool
	fixCh   chan struct{} // closed and replaced on every fix
	closed  bool
}

// NewDeviceSensorProvider creates a new instance of DeviceSensorProvider with the specified port and baud rate.
func NewDeviceSensorProvider(port string, baudRate int, logger zerolog.Logger) *DeviceSensorProvider {
	d := &DeviceSensorProvider{
		port:     port,
		baudRate: baudRate,
		logger:      logger.With().Str("provider", "gps").Str("port", port).Logger(),
		reopenDelay: reopenDelay,
		subs:        newSubscribers(),
		fixCh:       make(chan struct{}),
	}
	d.openPort = func() (io.ReadCloser, error) {
		return serial.OpenPort(&serial.Config{Name: d.port, Baud: d.baudRate, ReadTimeout: serialReadTimeout})
	}
	return d
}

// LastKnown returns the cached fix, or reads from the device until the first valid fix arrives.
func (d *DeviceSensorProvider) LastKnown(ctx context.Context) (Location, error) {
	d.mu.Lock()
	if d.hasFix {
		loc := d.last
		d.mu.Unlock()
		return loc, nil
	}
	d.mu.Unlock()

	if err := d.acquire(); err != nil {
		return Location{}, err
	}
	defer d.release()

	for {
		d.mu.Lock()
		if d.hasFix {
			loc := d.last
			d.mu.Unlock()
			return loc, nil
		}
		wait := d.fixCh
		stopped := d.stopped
		d.mu.Unlock()

		select {
		case <-wait:
		case <-stopped:
			return Location{}, fmt.Errorf("%w: device stream ended", ErrNoFix)
		case <-ctx.Done():
			return Location{}, fmt.Errorf("%w: %v", ErrNoFix, ctx.Err())
		}
	}
}

// Subscribe opens the device if needed and forwards every valid fix to handler.
func (d *DeviceSensorProvider) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}

	id, n := d.subs.add(handler)
	d.logger.Debug().Int("subscribers", n).Msg("Location subscription opened")

	return &subscription{cancel: func() {
		left := d.subs.remove(id)
		d.logger.Debug().Int("subscribers", left).Msg("Location subscription cancelled")
		d.release()
	}}, nil
}

// Close shuts the serial port regardless of outstanding subscriptions.
func (d *DeviceSensorProvider) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.refs = 0
	return d.closeConnLocked()
}

// acquire takes a reference on the device connection, opening it when it is not open.
func (d *DeviceSensorProvider) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrProviderClosed
	}

	if d.conn == nil {
		if err := d.openLocked(); err != nil {
			return err
		}
	}
	d.refs++
	return nil
}

func (d *DeviceSensorProvider) openLocked() error {
	conn, err := d.openPort()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %s: %v", ErrNotAuthorized, d.port, err)
		}
		return fmt.Errorf("failed to open GPS device %s: %w", d.port, err)
	}
	d.conn = conn
	d.stopped = make(chan struct{})
	go d.readLoop(conn, d.stopped)
	d.logger.Info().Int("baud_rate", d.baudRate).Msg("GPS device opened")
	return nil
}

// release drops a reference, closing the device when none remain.
func (d *DeviceSensorProvider) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == 0 {
		return
	}
	d.refs--
	if d.refs == 0 {
		if err := d.closeConnLocked(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close GPS device")
		}
	}
}

func (d *DeviceSensorProvider) closeConnLocked() error {
	if d.conn == nil {
		return nil
	}
	conn := d.conn
	d.conn = nil
	close(d.stopped)
	d.logger.Info().Msg("GPS device closed")
	return conn.Close()
}

// readLoop parses NMEA sentences until the connection is closed or fails.
func (d *DeviceSensorProvider) readLoop(conn io.ReadCloser, stopped <-chan struct{}) {
	reader := bufio.NewReader(conn)
	var pending strings.Builder

	for {
		chunk, err := reader.ReadString('\n')
		pending.WriteString(chunk)

		switch {
		case err == nil:
			line := pending.String()
			pending.Reset()
			if loc, ok := parseFix(line); ok {
				d.handleFix(loc)
			}
		case errors.Is(err, io.EOF):
			// serial reads time out with EOF; keep the partial line
			select {
			case <-stopped:
				return
			case <-time.After(eofBackoff):
			}
		default:
			select {
			case <-stopped:
			default:
				d.handleReadError(conn, err)
			}
			return
		}
	}
}

// handleReadError drops a failed connection. Waiters see the stream end and, while
// references remain, the device is reopened in the background.
func (d *DeviceSensorProvider) handleReadError(conn io.ReadCloser, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != conn {
		return
	}
	d.logger.Error().Err(err).Msg("Failed to read from GPS device")
	if cerr := d.closeConnLocked(); cerr != nil {
		d.logger.Debug().Err(cerr).Msg("Failed to close GPS device after read error")
	}
	if d.refs > 0 && !d.closed {
		go d.reopenLoop()
	}
}

// reopenLoop retries the device until it opens or nobody needs it any more.
func (d *DeviceSensorProvider) reopenLoop() {
	for {
		time.Sleep(d.reopenDelay)

		d.mu.Lock()
		if d.closed || d.refs == 0 || d.conn != nil {
			d.mu.Unlock()
			return
		}
		err := d.openLocked()
		d.mu.Unlock()

		if err == nil {
			return
		}
		d.logger.Warn().Err(err).Dur("retry_in", d.reopenDelay).Msg("Failed to reopen GPS device")
	}
}

func (d *DeviceSensorProvider) handleFix(loc Location) {
	loc.Timestamp = time.Now()

	d.mu.Lock()
	d.last = loc
	d.hasFix = true
	close(d.fixCh)
	d.fixCh = make(chan struct{})
	d.mu.Unlock()

	d.logger.Debug().
		Float64("latitude", loc.Latitude).
		Float64("longitude", loc.Longitude).
		Msg("GPS fix received")
	d.subs.publish(loc)
}

// parseFix extracts a location from a GGA or RMC sentence of any talker.
func parseFix(line string) (Location, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Location{}, false
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return Location{}, false
	}

	switch s := sentence.(type) {
	case nmea.GGA:
		if s.FixQuality == nmea.Invalid || s.FixQuality == "" {
			return Location{}, false
		}
		return Location{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Accuracy:  s.HDOP, // Use HDOP as a proxy for accuracy
		}, true
	case nmea.RMC:
		if s.Validity != nmea.ValidRMC {
			return Location{}, false
		}
		return Location{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
		}, true
	}
	return Location{}, false
}
