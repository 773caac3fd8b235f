// Package sse streams sync progress to HTTP clients as Server-Sent Events.
package sse

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout bounds a write to one client so a stale connection
	// cannot hold up the others.
	WriteTimeout = 2 * time.Second
	// KeepAliveInterval is how often an idle stream gets a comment line.
	KeepAliveInterval = 30 * time.Second
)

// Client is one connected event stream.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	// mu serializes writes from Publish and the keepalive loop.
	mu   sync.Mutex
	once sync.Once
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.Writer.Write(frame); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

// Broadcaster fans events out to every connected client.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers w as a stream. It fails when w cannot flush.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	client := &Client{
		ID:      uuid.NewString(),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client.ID] = client
	n := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", n).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a client. Removing twice is harmless.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, existed := b.clients[client.ID]
	delete(b.clients, client.ID)
	n := len(b.clients)
	b.mu.Unlock()

	client.close()
	if existed {
		log.Debug().Str("clientId", client.ID).Int("totalClients", n).Msg("SSE client disconnected")
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Frame encodes one SSE message. An empty event name produces an unnamed message.
func Frame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", payload)
	return buf.Bytes(), nil
}

// Publish sends a named event to every client. Clients whose write fails
// or times out are dropped.
func (b *Broadcaster) Publish(event string, data any) {
	frame, err := Frame(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to encode SSE event")
		return
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		dead sync.Map
	)
	for _, c := range clients {
		select {
		case <-c.Done:
			continue
		default:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.deliver(c, frame) {
				dead.Store(c.ID, c)
			}
		}()
	}
	wg.Wait()

	dead.Range(func(_, v any) bool {
		b.RemoveClient(v.(*Client))
		return true
	})
}

// deliver writes frame to c, giving up after WriteTimeout.
func (b *Broadcaster) deliver(c *Client, frame []byte) bool {
	result := make(chan error, 1)
	go func() { result <- c.write(frame) }()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Err(err).Str("clientId", c.ID).Msg("SSE write failed, dropping client")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", c.ID).Dur("timeout", WriteTimeout).Msg("SSE write timed out, dropping client")
		return false
	case <-c.Done:
		return true
	}
}

// HandleSSE serves one event stream until the request ends.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := Frame("connected", map[string]string{"clientId": client.ID})
	if err := client.write(hello); err != nil {
		return
	}

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-ticker.C:
			if err := client.write([]byte(": keepalive\n\n")); err != nil {
				return
			}
		}
	}
}
