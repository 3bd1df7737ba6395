// Package mocks holds testify mocks shared by package tests.
package mocks

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

// MQTTClient is a mock implementation of the pkg/mqtt MQTTClient interface
type MQTTClient struct {
	mock.Mock
}

func (m *MQTTClient) Connect() mqtt.Token {
	args := m.Called()
	return args.Get(0).(mqtt.Token)
}

func (m *MQTTClient) AddOnConnectListener(fn func()) {
	m.Called(fn)
}

func (m *MQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	args := m.Called(topic, qos, callback)
	return args.Get(0).(mqtt.Token)
}

func (m *MQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	args := m.Called(topics)
	return args.Get(0).(mqtt.Token)
}

func (m *MQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}
