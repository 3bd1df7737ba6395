package mocks

// Message is a fixed mqtt.Message for handler tests.
type Message struct {
	TopicName string
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}
