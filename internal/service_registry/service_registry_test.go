package service_registry

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/benmeehan/motion-tracker/internal/display"
	"github.com/benmeehan/motion-tracker/internal/mocks"
	"github.com/benmeehan/motion-tracker/internal/services"
	"github.com/benmeehan/motion-tracker/internal/utils"
	"github.com/benmeehan/motion-tracker/pkg/location"
	"github.com/benmeehan/motion-tracker/pkg/motion"
	"github.com/benmeehan/motion-tracker/pkg/permission"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (f *fakeService) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start "+f.name)
	return nil
}

func (f *fakeService) Stop() error {
	*f.log = append(*f.log, "stop "+f.name)
	return f.stopErr
}

type pausableService struct {
	fakeService
}

func (p *pausableService) Pause()  { *p.log = append(*p.log, "pause "+p.name) }
func (p *pausableService) Resume() { *p.log = append(*p.log, "resume "+p.name) }

func TestServiceRegistry_StartStopOrder(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("a", &fakeService{name: "a", log: &log})
	sr.RegisterService("b", &fakeService{name: "b", log: &log})
	sr.RegisterService("a", &fakeService{name: "duplicate", log: &log})

	require.NoError(t, sr.StartServices())
	require.NoError(t, sr.StopServices())

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestServiceRegistry_StartRollsBack(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("a", &fakeService{name: "a", log: &log})
	sr.RegisterService("b", &fakeService{name: "b", log: &log})
	sr.RegisterService("c", &fakeService{name: "c", startErr: errors.New("boom"), log: &log})

	err := sr.StartServices()

	assert.EqualError(t, err, "boom")
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestServiceRegistry_StopJoinsErrors(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("a", &fakeService{name: "a", stopErr: errors.New("stuck"), log: &log})
	sr.RegisterService("b", &fakeService{name: "b", log: &log})

	err := sr.StopServices()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop a: stuck")
	assert.Equal(t, []string{"stop b", "stop a"}, log)
}

func TestServiceRegistry_PauseResume(t *testing.T) {
	var log []string
	sr := NewServiceRegistry(nil, zerolog.Nop())
	sr.RegisterService("plain", &fakeService{name: "plain", log: &log})
	sr.RegisterService("screen", &pausableService{fakeService{name: "screen", log: &log}})

	sr.PauseServices()
	sr.ResumeServices()

	assert.Equal(t, []string{"pause screen", "resume screen"}, log)
}

func testConfig() *utils.Config {
	config := &utils.Config{}
	config.Permission.Mode = utils.PermissionDenied
	config.ApplyDefaults()
	return config
}

func TestRegisterServices_TrackerOnly(t *testing.T) {
	sr := NewServiceRegistry(nil, zerolog.Nop())

	err := sr.RegisterServices(testConfig(), display.NewTerminalDisplay(&bytes.Buffer{}, false), Console{})

	require.NoError(t, err)
	assert.Equal(t, []string{"tracker"}, sr.serviceKeys)
	assert.IsType(t, &services.TrackerService{}, sr.services["tracker"])
	assert.Empty(t, sr.closers)
}

func TestRegisterServices_LocationAndMotion(t *testing.T) {
	config := testConfig()
	config.Location.Enabled = true
	config.Location.GPS.Port = "/dev/ttyGPS0"
	config.Motion.Enabled = true
	config.MQTT.Broker = "tcp://localhost:1883"
	config.Motion.Sensors = map[string]utils.SensorConfig{"accelerometer": {Topic: "imu/accel"}}

	client := new(mocks.MQTTClient)
	client.On("AddOnConnectListener", mock.Anything).Return()
	sr := NewServiceRegistry(client, zerolog.Nop())
	require.NoError(t, sr.RegisterServices(config, display.NewTerminalDisplay(&bytes.Buffer{}, false), Console{}))

	client.AssertNumberOfCalls(t, "AddOnConnectListener", 1)
	assert.Len(t, sr.closers, 1)
	assert.IsType(t, &location.Tracker{}, sr.closers[0])
}

func TestRegisterServices_MotionNeedsClient(t *testing.T) {
	config := testConfig()
	config.Motion.Enabled = true

	sr := NewServiceRegistry(nil, zerolog.Nop())
	err := sr.RegisterServices(config, display.NewTerminalDisplay(&bytes.Buffer{}, false), Console{})

	assert.EqualError(t, err, "motion sensors need an MQTT client")
	assert.Empty(t, sr.serviceKeys)
}

func TestNewGate(t *testing.T) {
	config := testConfig()
	console := Console{In: strings.NewReader(""), Out: &bytes.Buffer{}}

	tests := []struct {
		mode string
		want permission.Gate
	}{
		{utils.PermissionGranted, &permission.StaticGate{}},
		{utils.PermissionDenied, &permission.StaticGate{}},
		{utils.PermissionDevice, &permission.DeviceAccessGate{}},
		{utils.PermissionPrompt, &permission.PromptGate{}},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			config.Permission.Mode = tt.mode
			assert.IsType(t, tt.want, NewGate(config, console, zerolog.Nop()))
		})
	}

	config.Permission.Mode = utils.PermissionGranted
	assert.Equal(t, permission.Granted, NewGate(config, console, zerolog.Nop()).Check())
	config.Permission.Mode = utils.PermissionDenied
	assert.Equal(t, permission.Denied, NewGate(config, console, zerolog.Nop()).Check())
}

func TestNewLocationProvider(t *testing.T) {
	config := testConfig()
	config.Location.GPS.Port = "/dev/ttyGPS0"

	provider, err := NewLocationProvider(config, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &location.DeviceSensorProvider{}, provider)

	config.Location.Provider = "carrier-pigeon"
	_, err = NewLocationProvider(config, zerolog.Nop())
	assert.EqualError(t, err, `unknown location provider "carrier-pigeon"`)
}

func TestSensorTopics(t *testing.T) {
	config := testConfig()
	config.Motion.Sensors = map[string]utils.SensorConfig{
		"accelerometer": {Topic: "imu/accel"},
		"magnetometer":  {Topic: ""},
	}

	topics := SensorTopics(config)

	assert.Equal(t, map[motion.Kind]string{motion.Accelerometer: "imu/accel", motion.Magnetometer: ""}, topics)
}

type stubPrompter struct{ shown []string }

func (p *stubPrompter) ShowPrompt(text string) { p.shown = append(p.shown, text) }
func (p *stubPrompter) ClearPrompt()           {}

func TestConsole_Prompter(t *testing.T) {
	var out bytes.Buffer
	Console{Out: &out}.prompter().ShowPrompt("Allow? ")
	assert.Equal(t, "Allow? ", out.String())

	stub := &stubPrompter{}
	Console{Out: &out, Prompter: stub}.prompter().ShowPrompt("Again? ")
	assert.Equal(t, []string{"Again? "}, stub.shown)
	assert.Equal(t, "Allow? ", out.String())
}
