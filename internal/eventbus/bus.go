package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neuroinfer/segserve/internal/sharedstate"
)

// terminalKinds ends an active Stream once delivered: the job has reached a
// state from which no further events will be published for this session.
var terminalKinds = map[string]bool{
	"job_complete":     true,
	"job_failed":       true,
	"roast_complete":   true,
	"roast_error":      true,
	"simnibs_complete": true,
	"simnibs_error":    true,
}

// Bus publishes and streams signed events for a session, backed by a single
// shared-state list per session.
type Bus struct {
	store  sharedstate.Store
	secret []byte
}

// New constructs a Bus over the given shared state store and HMAC secret.
func New(store sharedstate.Store, secret []byte) *Bus {
	return &Bus{store: store, secret: secret}
}

func listKey(sessionID string) string {
	return "sse:" + sessionID
}

// Publish appends a signed event to the session's stream. seq is the list's
// length just before the append. Reading the length and appending are two
// separate store calls, so producers publishing to one session at the same
// time (a job's parallel steps) can record the same seq; Stream therefore
// tracks its read position by list index rather than by seq.
func (b *Bus) Publish(ctx context.Context, sessionID, kind string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("eventbus: marshal payload: %w", err)
		}
		raw = encoded
	}

	key := listKey(sessionID)
	n, err := b.store.LLen(ctx, key)
	if err != nil {
		return fmt.Errorf("eventbus: llen %s: %w", key, err)
	}

	ev := Event{
		SessionID: sessionID,
		Kind:      kind,
		Seq:       n,
		At:        time.Now().UTC(),
		Payload:   raw,
	}
	env, err := Sign(ev, b.secret)
	if err != nil {
		return err
	}
	wire, err := Marshal(env)
	if err != nil {
		return err
	}
	if err := b.store.RPush(ctx, key, string(wire)); err != nil {
		return fmt.Errorf("eventbus: rpush %s: %w", key, err)
	}
	return nil
}

// Heartbeat names the idle-poll signal. Stream does not send this type
// itself: when no event arrived within the poll interval it sends a
// StreamItem with Heartbeat set, so an HTTP handler can flush an SSE
// comment line to keep the connection alive through intermediate proxies.
type Heartbeat struct{}

// StreamItem is either a signed Envelope or a Heartbeat.
type StreamItem struct {
	Envelope  *Envelope
	Heartbeat bool
}

// Stream polls the session's event list from list index fromSeq onward, delivering
// each new envelope as it appears and a Heartbeat item whenever poll
// elapses with nothing new. The returned channel closes after a terminal
// event is delivered, the context is cancelled, or a store error occurs (in
// which case it is sent on the error channel first).
func (b *Bus) Stream(ctx context.Context, sessionID string, fromSeq int64, poll time.Duration) (<-chan StreamItem, <-chan error) {
	items := make(chan StreamItem)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		key := listKey(sessionID)
		next := fromSeq
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			all, err := b.store.LRange(ctx, key, next, -1)
			if err != nil {
				errs <- fmt.Errorf("eventbus: lrange %s: %w", key, err)
				return
			}
			if len(all) == 0 {
				select {
				case items <- StreamItem{Heartbeat: true}:
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, raw := range all {
				env, err := Unmarshal([]byte(raw))
				if err != nil {
					errs <- err
					return
				}
				if err := Verify(env, b.secret); err != nil {
					errs <- err
					return
				}
				select {
				case items <- StreamItem{Envelope: &env}:
				case <-ctx.Done():
					return
				}
				next++
				if terminalKinds[env.Event.Kind] {
					return
				}
			}
		}
	}()

	return items, errs
}
