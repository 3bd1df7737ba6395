// Package motion delivers accelerometer, gyroscope and magnetometer samples.
package motion

import (
	"errors"
	"time"
)

// Kind identifies a motion sensor type.
type Kind int

const (
	Accelerometer Kind = iota
	Gyroscope
	Magnetometer
)

// Kinds lists every supported sensor kind in display order.
var Kinds = []Kind{Accelerometer, Gyroscope, Magnetometer}

// String returns the display name of the kind.
func (k Kind) String() string {
	switch k {
	case Accelerometer:
		return "Accelerometer"
	case Gyroscope:
		return "Gyroscope"
	case Magnetometer:
		return "Magnetometer"
	}
	return "Unknown"
}

// Key returns the lower-case configuration key of the kind.
func (k Kind) Key() string {
	switch k {
	case Accelerometer:
		return "accelerometer"
	case Gyroscope:
		return "gyroscope"
	case Magnetometer:
		return "magnetometer"
	}
	return "unknown"
}

// Sample is one 3-axis reading. Units are m/s² for acceleration, rad/s for
// angular velocity and µT for the magnetic field.
type Sample struct {
	Kind      Kind
	X, Y, Z   float64
	Timestamp time.Time
}

// Rate is a delivery-rate hint for a subscription.
type Rate int

const (
	RateNormal Rate = iota
	RateUI
	RateGame
	RateFastest
)

// Interval is the minimum spacing between delivered samples for the rate.
func (r Rate) Interval() time.Duration {
	switch r {
	case RateUI:
		return 60 * time.Millisecond
	case RateGame:
		return 20 * time.Millisecond
	case RateFastest:
		return 0
	}
	return 200 * time.Millisecond
}

// Sensor describes a present sensor.
type Sensor struct {
	Kind  Kind
	Name  string
	Topic string
}

// Handler receives samples.
type Handler func(Sample)

// Subscription is a standing registration for samples.
type Subscription interface {
	// Cancel stops delivery. It is safe to call more than once.
	Cancel() error
}

// Manager looks up sensors and registers sample handlers.
type Manager interface {
	// DefaultSensor returns the sensor for kind, or false when the device has none.
	DefaultSensor(kind Kind) (Sensor, bool)
	// Register delivers samples from sensor to handler, at most once per rate interval.
	Register(sensor Sensor, rate Rate, handler Handler) (Subscription, error)
}

var (
	// ErrSensorUnavailable is returned when registering a sensor the manager does not know.
	ErrSensorUnavailable = errors.New("sensor not available")
	// ErrMalformedSample is returned for payloads that are not a 3-axis sample.
	ErrMalformedSample = errors.New("malformed motion sample")
)
