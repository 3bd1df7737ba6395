package motion

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/motion-tracker/pkg/mqtt"
	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// MQTTManager serves motion sensors whose samples are published on MQTT topics.
// A sensor kind is present when a topic is configured for it.
type MQTTManager struct {
	client  mqtt.MQTTClient
	qos     byte
	sensors map[Kind]Sensor
	logger  zerolog.Logger
	now     func() time.Time

	subs cmap.ConcurrentMap[string, *mqttSubscription]

	mu        sync.Mutex
	topicRefs map[string]int
}

// NewMQTTManager creates a manager for the given kind → topic table.
func NewMQTTManager(client mqtt.MQTTClient, qos int, topics map[Kind]string, logger zerolog.Logger) *MQTTManager {
	sensors := make(map[Kind]Sensor, len(topics))
	for kind, topic := range topics {
		if topic == "" {
			continue
		}
		sensors[kind] = Sensor{Kind: kind, Name: kind.Key(), Topic: topic}
	}

	return &MQTTManager{
		client:    client,
		qos:       byte(qos),
		sensors:   sensors,
		logger:    logger.With().Str("component", "motion").Logger(),
		now:       time.Now,
		subs:      cmap.New[*mqttSubscription](),
		topicRefs: make(map[string]int),
	}
}

// DefaultSensor returns the configured sensor for kind.
func (m *MQTTManager) DefaultSensor(kind Kind) (Sensor, bool) {
	s, ok := m.sensors[kind]
	return s, ok
}

// Register subscribes handler to the sensor's topic. The broker subscription is shared
// by all registrations of a topic and dropped with the last one.
func (m *MQTTManager) Register(sensor Sensor, rate Rate, handler Handler) (Subscription, error) {
	known, ok := m.sensors[sensor.Kind]
	if !ok || known.Topic != sensor.Topic {
		return nil, fmt.Errorf("%w: %s", ErrSensorUnavailable, sensor.Kind)
	}

	sub := &mqttSubscription{
		id:       uuid.NewString(),
		sensor:   known,
		interval: rate.Interval(),
		handler:  handler,
		manager:  m,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.topicRefs[known.Topic] == 0 {
		token := m.client.Subscribe(known.Topic, m.qos, m.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Error().Err(err).Str("topic", known.Topic).Msg("MQTT Subscribe failed")
			return nil, fmt.Errorf("failed to subscribe to %s: %w", known.Topic, err)
		}
	}
	m.topicRefs[known.Topic]++
	m.subs.Set(sub.id, sub)

	m.logger.Info().
		Str("sensor", known.Name).
		Str("topic", known.Topic).
		Str("subscription", sub.id).
		Dur("interval", sub.interval).
		Msg("Sensor subscription opened")
	return sub, nil
}

// Resubscribe restores the broker subscription of every topic that still has
// registrations. It runs after a reconnection, which starts a clean session.
func (m *MQTTManager) Resubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for topic, refs := range m.topicRefs {
		if refs <= 0 {
			continue
		}
		token := m.client.Subscribe(topic, m.qos, m.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Error().Err(err).Str("topic", topic).Msg("MQTT Resubscribe failed")
			continue
		}
		m.logger.Info().Str("topic", topic).Int("registrations", refs).Msg("Sensor topic resubscribed")
	}
}

// ActiveSubscriptions returns the number of open registrations.
func (m *MQTTManager) ActiveSubscriptions() int {
	return m.subs.Count()
}

func (m *MQTTManager) unregister(sub *mqttSubscription) error {
	m.subs.Remove(sub.id)

	m.mu.Lock()
	defer m.mu.Unlock()

	topic := sub.sensor.Topic
	m.topicRefs[topic]--
	if m.topicRefs[topic] > 0 {
		return nil
	}
	delete(m.topicRefs, topic)

	token := m.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Msg("MQTT Unsubscribe failed")
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}

	m.logger.Info().Str("sensor", sub.sensor.Name).Str("topic", topic).Msg("Sensor subscription closed")
	return nil
}

// onMessage decodes a sample and hands it to every registration of the topic.
func (m *MQTTManager) onMessage(_ mqttLib.Client, msg mqttLib.Message) {
	var kind Kind
	found := false
	for _, s := range m.sensors {
		if s.Topic == msg.Topic() {
			kind, found = s.Kind, true
			break
		}
	}
	if !found {
		m.logger.Debug().Str("topic", msg.Topic()).Msg("Message on unknown sensor topic")
		return
	}

	sample, err := decodeSample(kind, msg.Payload())
	if err != nil {
		m.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping motion sample")
		return
	}
	received := m.now()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = received
	}

	for item := range m.subs.IterBuffered() {
		if item.Val.sensor.Topic == msg.Topic() {
			sample.Kind = item.Val.sensor.Kind
			item.Val.deliver(sample, received)
		}
	}
}

type mqttSubscription struct {
	id       string
	sensor   Sensor
	interval time.Duration
	handler  Handler
	manager  *MQTTManager

	cancelled atomic.Bool
	once      sync.Once
	err       error

	mu   sync.Mutex
	last time.Time
}

func (s *mqttSubscription) Cancel() error {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.err = s.manager.unregister(s)
	})
	return s.err
}

// deliver applies the rate hint and calls the handler.
func (s *mqttSubscription) deliver(sample Sample, received time.Time) {
	if s.cancelled.Load() {
		return
	}

	s.mu.Lock()
	if s.interval > 0 && !s.last.IsZero() && received.Sub(s.last) < s.interval {
		s.mu.Unlock()
		return
	}
	s.last = received
	s.mu.Unlock()

	s.handler(sample)
}

type samplePayload struct {
	X         *float64   `json:"x"`
	Y         *float64   `json:"y"`
	Z         *float64   `json:"z"`
	Values    []float64  `json:"values"`
	Timestamp *time.Time `json:"timestamp"`
}

// decodeSample accepts {"x":..,"y":..,"z":..} or {"values":[x,y,z]} with an optional RFC3339 timestamp.
func decodeSample(kind Kind, payload []byte) (Sample, error) {
	var p samplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}

	sample := Sample{Kind: kind}
	switch {
	case p.X != nil && p.Y != nil && p.Z != nil:
		sample.X, sample.Y, sample.Z = *p.X, *p.Y, *p.Z
	case len(p.Values) >= 3:
		sample.X, sample.Y, sample.Z = p.Values[0], p.Values[1], p.Values[2]
	default:
		return Sample{}, fmt.Errorf("%w: need x, y, z or three values", ErrMalformedSample)
	}
	if p.Timestamp != nil {
		sample.Timestamp = *p.Timestamp
	}
	return sample, nil
}
