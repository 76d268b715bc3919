package busclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

// Kind identifies the variant of a queued Action.
type Kind int

const (
	Connect Kind = iota
	Disconnect
	Subscribe
	Unsubscribe
	Publish
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	case Publish:
		return "publish"
	default:
		return "unknown"
	}
}

// Result reports the outcome of performing one Action: Ready means the
// client is in the state the action intended (subscribed, published,
// connected, ...); NotReady means the timeout elapsed or the operation
// failed and the caller should not assume the client advanced.
type Result int

const (
	Ready Result = iota
	NotReady
)

// Action is one unit of work a Queue performs against a single Client, in
// FIFO order, one at a time.
type Action struct {
	Kind    Kind
	Filters []ctrlid.Filter // Subscribe
	Topics  []string        // Unsubscribe
	Topic   string          // Publish
	Payload []byte          // Publish

	// TraceID correlates every log line emitted while this action is
	// performed. It is assigned by Enqueue if left empty.
	TraceID string
}

// Queue is a single-producer/single-consumer FIFO of Actions performed
// against one Client. It owns no goroutine until Run is called.
type Queue struct {
	ch     chan Action
	client *Client
	logger *slog.Logger
}

// NewQueue creates a Queue of the given buffer depth for client.
func NewQueue(client *Client, buffer int, logger *slog.Logger) *Queue {
	return &Queue{ch: make(chan Action, buffer), client: client, logger: logger}
}

// Enqueue appends action to the queue, assigning a trace id if one was not
// already set. It never blocks once the buffer has room; if the buffer is
// full it blocks the caller until a slot frees up, applying natural
// backpressure to producers.
func (q *Queue) Enqueue(a Action) {
	if a.TraceID == "" {
		a.TraceID = uuid.NewString()
	}
	q.ch <- a
}

// OnResult is invoked by Run after each Action is performed.
type OnResult func(a Action, result Result)

// Run drains the queue until ctx is cancelled, performing one Action at a
// time against the Queue's Client and reporting each outcome through
// onResult. perAction bounds how long a single action may take before it
// is declared NotReady; it corresponds to the default action timeout,
// except for Connect actions, which use RetryConnectTimeout since a TLS
// handshake can legitimately run longer.
func (q *Queue) Run(ctx context.Context, perAction time.Duration, onResult OnResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-q.ch:
			result := q.perform(ctx, a, perAction)
			if onResult != nil {
				onResult(a, result)
			}
		}
	}
}

func (q *Queue) perform(ctx context.Context, a Action, perAction time.Duration) Result {
	log := q.logger.With(
		slog.String("trace_id", a.TraceID),
		slog.String("controller_id", q.client.ControllerID().String()),
		slog.String("action", a.Kind.String()),
	)

	timeout := perAction
	if a.Kind == Connect {
		timeout = RetryConnectTimeout
	}

	var ok bool
	switch a.Kind {
	case Connect:
		token := q.client.Connect()
		ok = token.WaitTimeout(timeout) && token.Error() == nil
	case Disconnect:
		q.client.Disconnect(uint(250))
		ok = true
	case Subscribe:
		token, _ := q.client.Subscribe(a.Filters)
		ok = token.WaitTimeout(timeout) && token.Error() == nil
	case Unsubscribe:
		token, _ := q.client.Unsubscribe(a.Topics)
		ok = token.WaitTimeout(timeout) && token.Error() == nil
	case Publish:
		token, _ := q.client.Publish(a.Topic, a.Payload)
		ok = token.WaitTimeout(timeout) && token.Error() == nil
	}

	if !ok {
		log.Warn("action did not complete in time", slog.Duration("timeout", timeout))
		return NotReady
	}
	log.Debug("action completed")
	return Ready
}
