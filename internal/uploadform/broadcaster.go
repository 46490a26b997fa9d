package uploadform

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/logger"
)

// SerializedEvent holds one state change in both wire formats so fan-out to
// many SSE clients serializes only once.
type SerializedEvent struct {
	Version      uint64
	JSONData     []byte // JSON object
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// EncodeState serializes a state for SSE delivery.
func EncodeState(st State) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state json: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("reshape state: %w", err)
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build state struct: %w", err)
	}
	pbData, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal state protobuf: %w", err)
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(pbData)))
	base64.StdEncoding.Encode(encoded, pbData)

	return &SerializedEvent{
		Version:      st.Version,
		JSONData:     jsonData,
		ProtobufData: encoded,
	}, nil
}

// Broadcaster fans state events out to subscribers. Slow subscribers only
// ever miss intermediate states, never the latest one.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[int]chan *SerializedEvent)}
}

// Subscribe adds a client and returns its event channel. The channel is
// closed on Unsubscribe or Close.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 2)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	logger.Debug("StateBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("StateBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Publish serializes st and delivers it to every subscriber.
func (b *Broadcaster) Publish(st State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(b.clients) == 0 {
		return
	}

	event, err := EncodeState(st)
	if err != nil {
		logger.Error("StateBroadcaster", "Failed to encode state v%d: %v", st.Version, err)
		return
	}

	for _, ch := range b.clients {
		select {
		case ch <- event:
			continue
		default:
		}
		// Full: drop the oldest queued state to make room for this one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// Close disconnects all subscribers; later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}
