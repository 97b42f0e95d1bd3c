package server

import (
	"context"
	"sync"
	"time"
)

const (
	EventTeamRefreshed = "team-refresh"
	EventRoleUpdated   = "role-change"
	eventHeartbeat     = "heartbeat"
)

type TeamEvent struct {
	SiteID    int64
	EventType string
	Data      any
	Timestamp time.Time
}

type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan TeamEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

func (d *EventDispatcher) Subscribe(ctx context.Context, siteID int64) (<-chan TeamEvent, func()) {
	if siteID <= 0 {
		ch := make(chan TeamEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan TeamEvent, d.bufferSize),
	}
	d.registerSubscriber(siteID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(siteID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event TeamEvent) {
	if event.SiteID <= 0 || event.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.SiteID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(siteID int64, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[siteID]; !ok {
		d.subscribers[siteID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[siteID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(siteID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[siteID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, siteID)
		}
	}
	d.mu.Unlock()
}
