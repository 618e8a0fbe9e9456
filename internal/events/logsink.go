package events

import "go.uber.org/zap"

// LogSink writes events to the logger instead of a broker. Used when running without Kafka.
type LogSink struct{ Log *zap.Logger }

func (s LogSink) Publish(topic string, key, value []byte, eventType string) {
	s.Log.Debug("event",
		zap.String("topic", topic),
		zap.String("type", eventType),
		zap.ByteString("key", key),
		zap.ByteString("value", value))
}
