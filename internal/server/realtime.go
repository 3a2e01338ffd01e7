package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventRecordsDeleted = "records-deleted"
	RealtimeEventSyncCompleted  = "sync-completed"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "fieldsync"

	realtimeHeartbeatInterval = 25 * time.Second
)

// RealtimeMessage notifies the sessions of one device about local data changes.
type RealtimeMessage struct {
	DeviceID  string
	EventType string
	Table     string
	EntityIDs []string
	BatchID   string
	Status    string
	Timestamp time.Time
}

type realtimePayload struct {
	Source    string   `json:"source"`
	Table     string   `json:"table,omitempty"`
	EntityIDs []string `json:"entityIds,omitempty"`
	BatchID   string   `json:"batchId,omitempty"`
	Status    string   `json:"status,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// RealtimeDispatcher fans messages out to the event streams open on a device.
// Slow subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe opens a stream of messages for deviceID. The stream is released when ctx
// ends or the returned cleanup runs, whichever comes first.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, deviceID string) (<-chan RealtimeMessage, func()) {
	if deviceID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(deviceID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(deviceID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every open stream of its device.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.DeviceID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.DeviceID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open streams of deviceID.
func (d *RealtimeDispatcher) SubscriberCount(deviceID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[deviceID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(deviceID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[deviceID]; !ok {
		d.subscribers[deviceID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[deviceID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(deviceID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[deviceID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, deviceID)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) publishDeleted(actor auth.Actor, table string, ids []string) {
	h.realtime.Publish(RealtimeMessage{
		DeviceID:  actor.DeviceID,
		EventType: RealtimeEventRecordsDeleted,
		Table:     table,
		EntityIDs: ids,
	})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionViewRecords)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, actor.DeviceID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
			return true
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimePayload{
				Source:    realtimeSourceBackend,
				Table:     message.Table,
				EntityIDs: message.EntityIDs,
				BatchID:   message.BatchID,
				Status:    message.Status,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			return true
		}
	})
}

func heartbeatPayload() realtimePayload {
	return realtimePayload{Source: realtimeSourceBackend, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}
