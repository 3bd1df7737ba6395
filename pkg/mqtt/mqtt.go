package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/motion-tracker/pkg/file"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
	// AddOnConnectListener registers fn to run after every (re)connection. The
	// session is clean, so subscriptions must be restored by the listeners.
	AddOnConnectListener(fn func())
}

// Options holds the broker connection settings.
type Options struct {
	Broker         string
	ClientID       string
	CACertificate  string // optional; TLS is used when set
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client     mqtt.Client
	fileClient file.FileOperations
	logger     zerolog.Logger

	mu        sync.Mutex
	listeners []func()
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations, logger zerolog.Logger) *MqttService {
	return &MqttService{
		fileClient: fileClient,
		logger:     logger.With().Str("component", "mqtt").Logger(),
	}
}

// Initialize sets up the MQTT client and connects to the broker.
func (s *MqttService) Initialize(o Options) error {
	if o.Broker == "" {
		return errors.New("mqtt broker address is empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(s.handleConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}

	if o.CACertificate != "" {
		tlsConfig, err := s.tlsConfig(o.CACertificate)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	s.client = mqtt.NewClient(opts)

	token := s.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to %s: %w", o.Broker, token.Error())
	}

	return nil
}

// tlsConfig builds a TLS configuration trusting the given CA certificate.
func (s *MqttService) tlsConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := s.fileClient.ReadFileRaw(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append CA certificate")
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// AddOnConnectListener registers fn to run after every connection to the broker.
func (s *MqttService) AddOnConnectListener(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MqttService) handleConnect(_ mqtt.Client) {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Info().Int("listeners", len(listeners)).Msg("MQTT connected")
	for _, fn := range listeners {
		fn()
	}
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return s.client.Subscribe(topic, qos, callback)
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) mqtt.Token {
	return s.client.Unsubscribe(topics...)
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	if s.client == nil {
		return
	}
	s.client.Disconnect(quiesce)
}
