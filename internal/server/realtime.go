package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventListingsChanged  = "listings"
	RealtimeEventFavoritesChanged = "favorites"
	realtimeEventHeartbeat        = "heartbeat"

	realtimeChannelListings = "listings"
)

// RealtimeMessage announces that the state behind a channel changed. Streams re-read the state
// when they forward the message, so dropped messages lose nothing but intermediate states.
type RealtimeMessage struct {
	Channel   string
	EventType string
	Timestamp time.Time
}

// RealtimeDispatcher fans change announcements out to the streams subscribed to a channel.
// Each stream holds at most one unread announcement.
type RealtimeDispatcher struct {
	mu       sync.RWMutex
	channels map[string]map[chan RealtimeMessage]struct{}
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{channels: make(map[string]map[chan RealtimeMessage]struct{})}
}

// Subscribe registers a stream on channel until ctx ends or the cleanup func runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, channel string) (<-chan RealtimeMessage, func()) {
	stream := make(chan RealtimeMessage, 1)
	if channel == "" {
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	streams, ok := d.channels[channel]
	if !ok {
		streams = make(map[chan RealtimeMessage]struct{})
		d.channels[channel] = streams
	}
	streams[stream] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(channel, stream) })
	}
	context.AfterFunc(ctx, cleanup)
	return stream, cleanup
}

// Publish delivers message without blocking. A stream with an unread announcement keeps it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Channel == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for stream := range d.channels[message.Channel] {
		select {
		case stream <- message:
		default:
		}
	}
}

// Subscribers returns the number of streams registered on channel.
func (d *RealtimeDispatcher) Subscribers(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels[channel])
}

func (d *RealtimeDispatcher) remove(channel string, stream chan RealtimeMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.channels[channel]
	delete(streams, stream)
	if len(streams) == 0 {
		delete(d.channels, channel)
	}
}

func favoritesChannel(userID string) string {
	return "favorites:" + userID
}
