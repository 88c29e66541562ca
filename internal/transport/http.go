package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"
	"golang.org/x/exp/slices"

	"github.com/Hulupeep/mbotmesh/internal/mesh"
)

// CoordinationPath is the endpoint robots deliver coordination messages
// to on each other.
const CoordinationPath = "/coordination"

// maxAttempts bounds delivery retries per message and target. Beyond
// this the message is dropped and retransmission takes over.
const maxAttempts = 3

// maxMessageBytes bounds an inbound request body. Coordination messages
// are a few hundred bytes; anything near this limit is garbage.
const maxMessageBytes = 1 << 20

// Receiver consumes inbound coordination messages, typically the
// coordination service's queue.
type Receiver interface {
	Enqueue(msg *mesh.Message)
}

// Stats counts transport activity since startup.
type Stats struct {
	// Sent is the number of per-target deliveries attempted.
	Sent uint64 `json:"sent"`
	// Delivered is the number of deliveries a peer acknowledged.
	Delivered uint64 `json:"delivered"`
	// Failed is the number of deliveries dropped after all retries.
	Failed uint64 `json:"failed"`
	// Received is the number of inbound messages accepted.
	Received uint64 `json:"received"`
	// Rejected is the number of inbound requests that failed to decode.
	Rejected uint64 `json:"rejected"`
}

// Option configures an HTTP transport at construction.
type Option func(*HTTP)

// WithClient replaces the HTTP client, mainly for tests.
func WithClient(client *http.Client) Option {
	return func(t *HTTP) {
		t.client = client
	}
}

// WithMinBackoff sets the floor of the retry backoff between delivery
// attempts.
func WithMinBackoff(d time.Duration) Option {
	return func(t *HTTP) {
		t.minBackoff = d
	}
}

// HTTP carries coordination messages between robots: outbound it
// implements coordination.Sender by POSTing JSON to each addressed
// peer, inbound it decodes POSTs and enqueues them to a Receiver.
//
// The peer table maps robot IDs to base URLs. Who maintains it is the
// operator's business (static configuration, discovery, a fleet
// manager); the transport only reads it at send time, so entries can
// change while traffic flows.
//
// Thread safety: all methods are safe for concurrent use.
type HTTP struct {
	client *http.Client
	clock  clocks.Clock

	// minBackoff floors the retry backoff between delivery attempts.
	minBackoff time.Duration

	mu    sync.RWMutex
	peers map[mesh.RobotID]string

	sent      uint64
	delivered uint64
	failed    uint64
	received  uint64
	rejected  uint64
}

// NewHTTP creates a transport with an empty peer table.
func NewHTTP(opts ...Option) *HTTP {
	t := &HTTP{
		client:     &http.Client{Timeout: 5 * time.Second},
		clock:      clocks.DefaultClock(),
		minBackoff: 50 * time.Millisecond,
		peers:      make(map[mesh.RobotID]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddPeer registers or replaces a peer's base URL, e.g.
// "http://10.0.0.2:8090".
func (t *HTTP) AddPeer(id mesh.RobotID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = strings.TrimRight(baseURL, "/")
}

// RemovePeer drops a peer from the table. Messages already in flight to
// it finish their attempts.
func (t *HTTP) RemovePeer(id mesh.RobotID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Peer returns a peer's base URL if known.
func (t *HTTP) Peer(id mesh.RobotID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	url, ok := t.peers[id]
	return url, ok
}

// Peers returns the known peer IDs, sorted.
func (t *HTTP) Peers() []mesh.RobotID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]mesh.RobotID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Send implements coordination.Sender. The message is encoded once and
// POSTed to every addressed peer concurrently; Send itself returns
// immediately. Delivery failures are retried briefly and then dropped,
// relying on the protocol's retransmission for recovery.
func (t *HTTP) Send(msg mesh.Message) {
	payload, err := mesh.EncodeMessage(&msg)
	if err != nil {
		log.Warnf("not sending malformed %s message: %v", msg.Action, err)
		return
	}

	type target struct {
		id  mesh.RobotID
		url string
	}
	t.mu.RLock()
	targets := make([]target, 0, len(t.peers))
	for id, base := range t.peers {
		if id == msg.From || !msg.Addresses(id) {
			continue
		}
		targets = append(targets, target{id: id, url: base + CoordinationPath})
	}
	t.mu.RUnlock()

	for _, tgt := range targets {
		atomic.AddUint64(&t.sent, 1)
		go t.deliver(tgt.id, tgt.url, payload)
	}
}

// deliver POSTs one payload to one peer, retrying with backoff.
func (t *HTTP) deliver(id mesh.RobotID, url string, payload []byte) {
	b := retry.DefaultBackoff()
	b.MinBackoff = t.minBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = t.post(url, payload); lastErr == nil {
			atomic.AddUint64(&t.delivered, 1)
			return
		}
		log.Debugf("delivery to %s attempt %d/%d: %v", id, attempt, maxAttempts, lastErr)
		if attempt < maxAttempts {
			t.clock.SleepFor(context.Background(), b.Next())
		}
	}

	atomic.AddUint64(&t.failed, 1)
	log.Warnf("robot %s unreachable after %d attempts, dropping message: %v", id, maxAttempts, lastErr)
}

// post sends one request and treats any non-2xx status as an error.
func (t *HTTP) post(url string, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return nil
}

// Handler returns the inbound side: an http.Handler for
// CoordinationPath that decodes, validates, and enqueues messages.
// Malformed requests get a 400; accepted ones a 202, since processing
// happens on the service's goroutine after the response is written.
func (t *HTTP) Handler(rcv Receiver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var buf bytes.Buffer
		if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxMessageBytes)); err != nil {
			atomic.AddUint64(&t.rejected, 1)
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		msg, err := mesh.DecodeMessage(buf.Bytes())
		if err != nil {
			atomic.AddUint64(&t.rejected, 1)
			log.Warnf("rejecting inbound request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		atomic.AddUint64(&t.received, 1)
		rcv.Enqueue(msg)
		w.WriteHeader(http.StatusAccepted)
	})
}

// Stats returns a snapshot of the transport counters.
func (t *HTTP) Stats() Stats {
	return Stats{
		Sent:      atomic.LoadUint64(&t.sent),
		Delivered: atomic.LoadUint64(&t.delivered),
		Failed:    atomic.LoadUint64(&t.failed),
		Received:  atomic.LoadUint64(&t.received),
		Rejected:  atomic.LoadUint64(&t.rejected),
	}
}
