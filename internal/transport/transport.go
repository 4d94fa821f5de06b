package transport

// Message — сырое сообщение шины: тема, идентификатор типа и полезная
// нагрузка без интерпретации.
type Message struct {
	Topic   string
	Type    string
	Payload []byte
}

// Handler вызывается на каждое доставленное сообщение. Доставка в рамках
// одной подписки последовательная.
type Handler func(msg Message)

// Transport — абстракция pub/sub-шины, с которой работают Recorder и
// Playback. Реализации: внутрипроцессная шина и MQTT-адаптер.
type Transport interface {
	// Subscribe подписывается на конкретную тему; возвращает функцию
	// отписки. Тема может ещё не существовать на шине.
	Subscribe(topic string, h Handler) (func(), error)
	// SubscribeAll подписывается на все темы шины.
	SubscribeAll(h Handler) (func(), error)
	// Publish публикует сообщение в тему.
	Publish(topic, msgType string, payload []byte) error
	// Topics возвращает известные на данный момент темы шины.
	Topics() []string
}
