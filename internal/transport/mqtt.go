package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttQoS            = 1
)

// envelope переносит идентификатор типа сообщения: у MQTT 3.1.1 нет
// пользовательских метаданных, поэтому тип едет вместе с нагрузкой.
type envelope struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// MQTT — адаптер paho-клиента под интерфейс Transport.
//
// Справочника тем у MQTT нет: Topics возвращает темы, которые адаптер
// видел на проводе или публиковал сам. На один topic-фильтр допустима
// одна подписка (ограничение маршрутизатора paho).
type MQTT struct {
	cli paho.Client

	mu     sync.Mutex
	topics map[string]struct{}
}

// DialMQTT подключается к брокеру по адресу вида tcp://host:1883.
func DialMQTT(brokerURL, clientID string) (*MQTT, error) {
	if brokerURL == "" {
		return nil, fmt.Errorf("mqtt: broker URL is empty")
	}
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(true)

	cli := paho.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s: timeout", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", brokerURL, err)
	}
	return &MQTT{cli: cli, topics: map[string]struct{}{}}, nil
}

func (m *MQTT) Subscribe(topic string, h Handler) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("mqtt: topic is empty")
	}
	return m.subscribe(topic, h)
}

func (m *MQTT) SubscribeAll(h Handler) (func(), error) {
	return m.subscribe("#", h)
}

func (m *MQTT) subscribe(filter string, h Handler) (func(), error) {
	token := m.cli.Subscribe(filter, mqttQoS, func(_ paho.Client, raw paho.Message) {
		msg := decodeEnvelope(raw.Topic(), raw.Payload())
		m.observe(msg.Topic)
		h(msg)
	})
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}
	return func() { m.cli.Unsubscribe(filter).WaitTimeout(mqttConnectTimeout) }, nil
}

func (m *MQTT) Publish(topic, msgType string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("mqtt: topic is empty")
	}
	data, err := json.Marshal(envelope{Type: msgType, Data: payload})
	if err != nil {
		return fmt.Errorf("mqtt: encode envelope: %w", err)
	}
	m.observe(topic)
	token := m.cli.Publish(topic, mqttQoS, false, data)
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (m *MQTT) Close() {
	m.cli.Disconnect(250)
}

func (m *MQTT) observe(topic string) {
	m.mu.Lock()
	m.topics[topic] = struct{}{}
	m.mu.Unlock()
}

func decodeEnvelope(topic string, data []byte) Message {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Чужой издатель без конверта: нагрузка как есть, тип пустой.
		return Message{Topic: topic, Payload: append([]byte(nil), data...)}
	}
	return Message{Topic: topic, Type: env.Type, Payload: env.Data}
}
