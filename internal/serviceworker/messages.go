package serviceworker

import (
	"context"
	"fmt"
)

// MessageType is the kind of control message posted to a worker.
type MessageType string

const (
	MessageConfig      MessageType = "CONFIG"
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageClearCache  MessageType = "CLEAR_CACHE"
	MessagePreload     MessageType = "PRELOAD"
)

// Message is the only way a worker learns about its policy and receives
// control commands.
type Message struct {
	Type            MessageType `json:"type"`
	CacheStrategies []Strategy  `json:"cacheStrategies,omitempty"`
	CacheName       string      `json:"cacheName,omitempty"`
	URLs            []string    `json:"urls,omitempty"`
}

// ConfigMessage replaces the worker's strategy table.
func ConfigMessage(strategies []Strategy) Message {
	return Message{Type: MessageConfig, CacheStrategies: cloneStrategies(strategies)}
}

// SkipWaitingMessage activates a waiting worker.
func SkipWaitingMessage() Message {
	return Message{Type: MessageSkipWaiting}
}

// ClearCacheMessage deletes one named cache, or every cache when name is
// empty.
func ClearCacheMessage(name string) Message {
	return Message{Type: MessageClearCache, CacheName: name}
}

// PreloadMessage fetches urls into the default cache.
func PreloadMessage(urls []string) Message {
	return Message{Type: MessagePreload, URLs: append([]string(nil), urls...)}
}

// Validate checks the payload required by the message type.
func (m Message) Validate() error {
	switch m.Type {
	case MessageConfig:
		for _, s := range m.CacheStrategies {
			if err := s.Validate(); err != nil {
				return err
			}
		}
	case MessageSkipWaiting, MessageClearCache:
	case MessagePreload:
		for _, u := range m.URLs {
			if u == "" {
				return fmt.Errorf("serviceworker: empty preload url")
			}
		}
	default:
		return fmt.Errorf("serviceworker: unknown message type %q", m.Type)
	}
	return nil
}

// envelope carries the poster's context so handling stops when the poster
// gives up.
type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan error
}
