package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ernie/tapledger/internal/domain"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus fans ledger events out to in-process subscribers and, when
// connected, to a NATS subject per event type
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int

	nc     *nats.Conn
	prefix string
	ns     *server.Server
}

// NewBus creates a bus with no subscribers and no broker
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Subscribe returns a buffered event channel and a cancel function.
// Events are dropped for a subscriber whose buffer is full.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Close may already have closed it
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish delivers ev without blocking the caller
func (b *Bus) Publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("Event subscriber full, dropping %s for %s", ev.Type, ev.AccountID)
		}
	}
	nc, prefix := b.nc, b.prefix
	b.mu.RUnlock()

	if nc == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Error marshaling event: %v", err)
		return
	}
	if err := nc.Publish(Subject(prefix, ev.Type), data); err != nil {
		log.Printf("Error publishing %s to NATS: %v", ev.Type, err)
	}
}

// Subject is the NATS subject an event type is published on
func Subject(prefix, eventType string) string {
	return prefix + ".ledger." + eventType
}

// ConnectNATS starts forwarding events to the broker at url
func (b *Bus) ConnectNATS(url, prefix string) error {
	nc, err := nats.Connect(url,
		nats.Name("tapledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	b.mu.Lock()
	b.nc = nc
	b.prefix = prefix
	b.mu.Unlock()
	return nil
}

// StartEmbeddedNATS runs an in-process broker on host:port and returns its
// client URL. The broker is shut down by Close.
func (b *Bus) StartEmbeddedNATS(host string, port int) (string, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return "", fmt.Errorf("embedded NATS server did not become ready")
	}

	b.mu.Lock()
	b.ns = ns
	b.mu.Unlock()
	return ns.ClientURL(), nil
}

// Close drains the NATS connection, stops an embedded broker and closes
// every subscriber channel
func (b *Bus) Close() {
	b.mu.Lock()
	nc, ns := b.nc, b.ns
	b.nc, b.ns = nil, nil
	subs := b.subs
	b.subs = make(map[int]chan domain.Event)
	b.mu.Unlock()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Printf("Error draining NATS connection: %v", err)
		}
	}
	if ns != nil {
		ns.Shutdown()
		ns.WaitForShutdown()
	}
	for _, ch := range subs {
		close(ch)
	}
}
