package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/benmeehan/motion-tracker/internal/display"
	"github.com/benmeehan/motion-tracker/internal/service_registry"
	"github.com/benmeehan/motion-tracker/internal/utils"
	"github.com/benmeehan/motion-tracker/pkg/file"
	"github.com/benmeehan/motion-tracker/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	log := utils.NewLogger("info", false, os.Stderr)

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = utils.NewLogger(config.Log.Level, config.Log.Pretty, os.Stderr)

	// Initialize the shared MQTT connection when motion sensors are read from the broker
	var mqttClient *mqtt.MqttService
	if config.Motion.Enabled {
		// Generate a unique MQTT Client ID by appending a UUID
		config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
		log.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT Client ID")

		mqttClient = mqtt.NewMqttService(fileClient, log)
		err = mqttClient.Initialize(mqtt.Options{
			Broker:         config.MQTT.Broker,
			ClientID:       config.MQTT.ClientID,
			CACertificate:  config.MQTT.CACertificate,
			Username:       config.MQTT.Username,
			Password:       config.MQTT.Password,
			ConnectTimeout: config.MQTT.ConnectTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
		}
	}

	// Create a new service registry to manage services
	var serviceRegistry *service_registry.ServiceRegistry
	if mqttClient != nil {
		serviceRegistry = service_registry.NewServiceRegistry(mqttClient, log)
	} else {
		serviceRegistry = service_registry.NewServiceRegistry(nil, log)
	}

	screen := display.NewTerminalDisplay(os.Stdout, true)
	// the prompt is part of the frame so redraws do not wipe it
	console := service_registry.Console{In: os.Stdin, Out: os.Stderr, Prompter: screen}

	// Register all services based on the configuration
	if err := serviceRegistry.RegisterServices(config, screen, console); err != nil {
		log.Fatal().Err(err).Msg("Failed to register services")
	}

	// Start all registered services in the registry
	if err := serviceRegistry.StartServices(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start services")
	}
	log.Info().Msg("All services started successfully")

	waitForShutdown(serviceRegistry, log)

	log.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		log.Error().Err(err).Msg("Failed to stop services cleanly")
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}
}

// waitForShutdown pauses on SIGUSR1, resumes on SIGUSR2 and returns on SIGINT or SIGTERM.
func waitForShutdown(sr *service_registry.ServiceRegistry, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			log.Info().Msg("Screen hidden")
			sr.PauseServices()
		case syscall.SIGUSR2:
			log.Info().Msg("Screen visible")
			sr.ResumeServices()
		default:
			return
		}
	}
}
