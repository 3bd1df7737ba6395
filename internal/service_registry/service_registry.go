package service_registry

import (
	"errors"
	"fmt"
	"io"

	"github.com/benmeehan/motion-tracker/internal/display"
	"github.com/benmeehan/motion-tracker/internal/registry"
	"github.com/benmeehan/motion-tracker/internal/services"
	"github.com/benmeehan/motion-tracker/internal/utils"
	"github.com/benmeehan/motion-tracker/pkg/location"
	"github.com/benmeehan/motion-tracker/pkg/motion"
	"github.com/benmeehan/motion-tracker/pkg/mqtt"
	"github.com/benmeehan/motion-tracker/pkg/permission"
	"github.com/rs/zerolog"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	closers     []io.Closer                 // Released after all services are stopped
	mqttClient  mqtt.MQTTClient
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
// mqttClient may be nil when motion sensors are disabled.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]registry.Service),
		mqttClient: mqttClient,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order, then releases the shared resources.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	for _, c := range sr.closers {
		if err := c.Close(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to release resource: %w", err))
		}
	}
	sr.closers = nil

	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// PauseServices pauses every service that supports it.
func (sr *ServiceRegistry) PauseServices() {
	for _, name := range sr.serviceKeys {
		if p, ok := sr.services[name].(registry.Pausable); ok {
			sr.Logger.Debug().Msgf("Pausing service: %s", name)
			p.Pause()
		}
	}
}

// ResumeServices resumes every service that supports it.
func (sr *ServiceRegistry) ResumeServices() {
	for _, name := range sr.serviceKeys {
		if p, ok := sr.services[name].(registry.Pausable); ok {
			sr.Logger.Debug().Msgf("Resuming service: %s", name)
			p.Resume()
		}
	}
}

// Console is where interactive permission prompts are answered. The question is
// shown through Prompter when set, otherwise it is written to Out.
type Console struct {
	In       io.Reader
	Out      io.Writer
	Prompter permission.Prompter
}

func (c Console) prompter() permission.Prompter {
	if c.Prompter != nil {
		return c.Prompter
	}
	return permission.WriterPrompter(c.Out)
}

// RegisterServices initializes and registers enabled services based on configuration.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, screen display.Display, console Console) error {
	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "tracker",
			enabled: true,
			constructor: func() (registry.Service, error) {
				gate := NewGate(config, console, sr.Logger)

				var locations services.LocationSource
				if config.Location.Enabled {
					provider, err := NewLocationProvider(config, sr.Logger)
					if err != nil {
						return nil, err
					}
					tracker := location.NewTracker(provider, gate, config.Location.AcquireTimeout, sr.Logger)
					sr.closers = append(sr.closers, tracker)
					locations = tracker
				}

				var sensors motion.Manager
				if config.Motion.Enabled {
					if sr.mqttClient == nil {
						return nil, errors.New("motion sensors need an MQTT client")
					}
					manager := motion.NewMQTTManager(sr.mqttClient, config.Motion.QOS, SensorTopics(config), sr.Logger)
					sr.mqttClient.AddOnConnectListener(manager.Resubscribe)
					sensors = manager
				}

				return services.NewTrackerService(locations, gate, sensors, screen, sr.Logger), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}

// NewGate builds the permission gate for the configured mode.
func NewGate(config *utils.Config, console Console, logger zerolog.Logger) permission.Gate {
	switch config.Permission.Mode {
	case utils.PermissionGranted:
		return permission.NewStaticGate(permission.Granted)
	case utils.PermissionDevice:
		return permission.NewDeviceAccessGate(config.Location.GPS.Port, logger)
	case utils.PermissionPrompt:
		return permission.NewPromptGate(console.In, console.prompter(), logger)
	default:
		return permission.NewStaticGate(permission.Denied)
	}
}

// NewLocationProvider builds the configured location provider.
func NewLocationProvider(config *utils.Config, logger zerolog.Logger) (location.Provider, error) {
	switch config.Location.Provider {
	case utils.ProviderGPS:
		return location.NewDeviceSensorProvider(config.Location.GPS.Port, config.Location.GPS.BaudRate, logger), nil
	case utils.ProviderGoogle:
		provider, err := location.NewGoogleGeolocationProvider(
			config.Location.Google.APIKey,
			config.Location.Google.Interval,
			config.Location.Google.ModemIndex,
			logger,
		)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create Google Geolocation provider")
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown location provider %q", config.Location.Provider)
	}
}

// SensorTopics maps each configured motion sensor kind to its topic.
func SensorTopics(config *utils.Config) map[motion.Kind]string {
	topics := make(map[motion.Kind]string, len(motion.Kinds))
	for _, kind := range motion.Kinds {
		if sensor, ok := config.Motion.Sensors[kind.Key()]; ok {
			topics[kind] = sensor.Topic
		}
	}
	return topics
}
