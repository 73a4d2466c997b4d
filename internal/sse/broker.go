// Package sse implements a Server-Sent Events broker for real-time updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// historySize is how many recent messages are kept for Last-Event-ID replay.
	historySize = 256
	heartbeat   = 30 * time.Second
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Resources whose changes are published.
const (
	ResourceFile       = "file"
	ResourceCard       = "card"
	ResourceTag        = "tag"
	ResourceConnection = "connection"
)

// Change kinds.
const (
	KindCreated = "created"
	KindUpdated = "updated"
	KindDeleted = "deleted"
	KindMerged  = "merged"
)

type subscribeReq struct {
	ch    chan []byte
	after uint64
}

type sentEvent struct {
	id  uint64
	raw []byte
}

type changeReq struct {
	resource string
	kind     string
	data     map[string]string
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, event sequence, replay history, graph throttle timestamp). Public
// methods communicate with this loop through channels, so no mutexes are required.
//
// Every message carries a sequence id. A client that reconnects with
// Last-Event-ID receives the buffered messages it missed.
type Broker struct {
	graphMin  time.Duration
	heartbeat time.Duration

	subscribeCh   chan subscribeReq
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changeCh      chan changeReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker with the given graph throttle interval.
func NewBroker(graphThrottle time.Duration) *Broker {
	if graphThrottle <= 0 {
		graphThrottle = 2 * time.Second
	}

	b := &Broker{
		graphMin:      graphThrottle,
		heartbeat:     heartbeat,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		changeCh:      make(chan changeReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var lastGraph time.Time
	var seq uint64
	history := make([]sentEvent, 0, historySize)

	send := func(ch chan []byte, raw []byte) {
		select {
		case ch <- raw:
		default:
			// Client buffer full; skip to avoid blocking broker loop.
		}
	}

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))

		if len(history) == historySize {
			history = append(history[:0], history[1:]...)
		}
		history = append(history, sentEvent{id: seq, raw: raw})

		for ch := range clients {
			send(ch, raw)
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			clients[req.ch] = struct{}{}
			if req.after > 0 {
				for _, ev := range history {
					if ev.id > req.after {
						send(req.ch, ev.raw)
					}
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.changeCh:
			switch req.kind {
			case KindCreated, KindUpdated, KindDeleted, KindMerged:
				broadcast(Event{Type: req.resource + "." + req.kind, Data: req.data})
			default:
				continue
			}

			now := time.Now()
			if now.Sub(lastGraph) >= b.graphMin {
				lastGraph = now
				broadcast(Event{Type: "graph.updated", Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	return b.SubscribeFrom(0)
}

// SubscribeFrom adds a new client that first receives the buffered messages
// with an id greater than after. An after of zero replays nothing.
func (b *Broker) SubscribeFrom(after uint64) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscribeReq{ch: ch, after: after}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishChange publishes a "<resource>.<kind>" event and a throttled
// graph.updated event.
func (b *Broker) PublishChange(resource, kind string, data map[string]string) {
	if b.closed.Load() {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	select {
	case b.changeCh <- changeReq{resource: resource, kind: kind, data: data}:
	case <-b.stopped:
	}
}

// PublishPathEvent publishes a watcher change for a data-root path. The
// resource is derived from the path's top-level directory.
func (b *Broker) PublishPathEvent(kind, path string) {
	resource := ResourceFile
	switch {
	case strings.HasPrefix(path, "cards/"):
		resource = ResourceCard
	case strings.HasPrefix(path, "tags/"):
		resource = ResourceTag
	case strings.HasPrefix(path, "connections/"):
		resource = ResourceConnection
	}
	b.PublishChange(resource, kind, map[string]string{"path": path})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). It honours the
// Last-Event-ID header and writes a comment line as a keep-alive.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	after, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
	ch := b.SubscribeFrom(after)
	defer b.Unsubscribe(ch)

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
