// Package bus provides the in-process progress event bus. The dispatcher
// publishes job lifecycle events onto named channels and the streaming
// gateway fans them out to connected clients. Publishing is
// fire-and-forget: a slow or absent subscriber never blocks a publisher.
package bus

import (
	"encoding/json"
	"time"

	"github.com/daleheenan/startup-sub012/internal/id"
)

// Channel names carried by the bus.
const (
	// ChannelJobUpdate carries a job snapshot after every state transition.
	ChannelJobUpdate = "job:update"
	// ChannelChapterProgress carries handler-emitted intermediate progress.
	ChannelChapterProgress = "chapter:progress"
	// ChannelSessionUpdate carries provider session/rate window changes.
	ChannelSessionUpdate = "session:update"
	// ChannelQueueStats carries periodic queue depth samples.
	ChannelQueueStats = "queue:stats"
)

// KnownChannels is the closed set of channels the bus carries.
var KnownChannels = []string{
	ChannelJobUpdate,
	ChannelChapterProgress,
	ChannelSessionUpdate,
	ChannelQueueStats,
}

// ValidChannel reports whether name is a channel the bus carries.
func ValidChannel(name string) bool {
	for _, c := range KnownChannels {
		if c == name {
			return true
		}
	}
	return false
}

// Event is the envelope delivered to subscribers.
type Event struct {
	// ID uniquely identifies this event.
	ID id.EventID `json:"id"`

	// Channel is the named channel this event was published on.
	Channel string `json:"channel"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"ts"`

	// Data is the channel-specific payload.
	Data json.RawMessage `json:"data"`
}
