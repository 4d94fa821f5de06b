package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// StdoutBus печатает публикуемые сообщения в Writer построчно (JSON).
// Используется консольным проигрывателем; подписки не поддерживает.
type StdoutBus struct {
	mu     sync.Mutex
	Writer io.Writer
}

type stdoutLine struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

func (s *StdoutBus) Publish(topic, msgType string, payload []byte) error {
	line, err := json.Marshal(stdoutLine{Topic: topic, Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("stdout: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.Writer, string(line)); err != nil {
		return fmt.Errorf("stdout: write: %w", err)
	}
	return nil
}

func (s *StdoutBus) Subscribe(string, Handler) (func(), error) {
	return nil, fmt.Errorf("stdout: transport is publish-only")
}

func (s *StdoutBus) SubscribeAll(Handler) (func(), error) {
	return nil, fmt.Errorf("stdout: transport is publish-only")
}

func (s *StdoutBus) Topics() []string { return nil }
