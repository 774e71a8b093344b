package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/siddharth-movaliya/os-chat/logger"
)

// Subjects. A user's "room" is the chat.user.<token> subject; any
// instance publishes to it and whichever instances hold live connections
// for that user deliver locally. chat.broadcast reaches every instance.
const (
	subjectUserPrefix = "chat.user."
	subjectBroadcast  = "chat.broadcast"
	subjectLiveness   = "chat.liveness.query"
)

// userToken maps a user id onto exactly one subject token. The
// chat.user.* subscription matches a single token, so a "." inside an
// id would otherwise split the subject and never be delivered to;
// anything outside [A-Za-z0-9_-] is escaped as ~XX hex ("~" included,
// keeping the mapping reversible).
func userToken(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "~%02x", c)
		}
	}
	return b.String()
}

func parseUserToken(tok string) string {
	if !strings.Contains(tok, "~") {
		return tok
	}
	var b strings.Builder
	for i := 0; i < len(tok); i++ {
		if tok[i] == '~' && i+2 < len(tok) {
			if n, err := strconv.ParseUint(tok[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(tok[i])
	}
	return b.String()
}

// Envelope is the bus wire format. The bus never inspects Data.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type livenessQuery struct {
	UserID string `json:"userId"`
}

type livenessReply struct {
	GatewayID string   `json:"gatewayId"`
	ConnIDs   []string `json:"connIds"`
}

// Local is the instance-local delivery surface the bus fans into,
// implemented by the gateway's connection registry.
type Local interface {
	DeliverToUser(userID, event string, data []byte)
	DeliverAll(event string, data []byte)
	LiveConns(userID string) []string
}

// Bus is the cross-instance broadcaster backed by NATS core pub/sub.
type Bus struct {
	nc        *nats.Conn
	gatewayID string
	window    time.Duration
	subs      []*nats.Subscription
}

func Connect(url, gatewayID string, livenessWindow time.Duration) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name(gatewayID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &Bus{nc: nc, gatewayID: gatewayID, window: livenessWindow}, nil
}

// Start subscribes the instance-local delivery surface. Must be called
// once before any connection is accepted.
func (b *Bus) Start(local Local) error {
	userSub, err := b.nc.Subscribe(subjectUserPrefix+"*", func(m *nats.Msg) {
		userID := parseUserToken(strings.TrimPrefix(m.Subject, subjectUserPrefix))
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logger.Warnf("bus: drop malformed user event on %s: %v", m.Subject, err)
			return
		}
		local.DeliverToUser(userID, env.Event, env.Data)
	})
	if err != nil {
		return errors.Wrap(err, "subscribe user subjects")
	}

	bcastSub, err := b.nc.Subscribe(subjectBroadcast, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logger.Warnf("bus: drop malformed broadcast: %v", err)
			return
		}
		local.DeliverAll(env.Event, env.Data)
	})
	if err != nil {
		return errors.Wrap(err, "subscribe broadcast")
	}

	liveSub, err := b.nc.Subscribe(subjectLiveness, func(m *nats.Msg) {
		var q livenessQuery
		if err := json.Unmarshal(m.Data, &q); err != nil || m.Reply == "" {
			return
		}
		ids := local.LiveConns(q.UserID)
		if len(ids) == 0 {
			return
		}
		reply, _ := json.Marshal(livenessReply{GatewayID: b.gatewayID, ConnIDs: ids})
		if err := m.Respond(reply); err != nil {
			logger.Warnf("bus: liveness reply failed: %v", err)
		}
	})
	if err != nil {
		return errors.Wrap(err, "subscribe liveness")
	}

	b.subs = append(b.subs, userSub, bcastSub, liveSub)
	return nil
}

// EmitToUser publishes an event to a user's room. If no instance holds a
// connection for the user the event is silently dropped; the durable
// relay path is the only guaranteed-eventual channel.
func (b *Bus) EmitToUser(userID, event string, payload any) error {
	return b.publish(subjectUserPrefix+userToken(userID), event, payload)
}

// Broadcast publishes an event to every instance.
func (b *Bus) Broadcast(event string, payload any) error {
	return b.publish(subjectBroadcast, event, payload)
}

func (b *Bus) publish(subject, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	buf, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	return errors.Wrapf(b.nc.Publish(subject, buf), "publish %s", subject)
}

// LiveConnections scatter-gathers the connection ids every instance
// (including this one) currently holds for a user. The gather window is
// short and bounded; crashed instances simply never reply, which is what
// lets presence reconciliation spot their dangling ids.
func (b *Bus) LiveConnections(ctx context.Context, userID string) ([]string, error) {
	inbox := nats.NewInbox()
	sub, err := b.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe inbox")
	}
	defer func() { _ = sub.Unsubscribe() }()

	q, _ := json.Marshal(livenessQuery{UserID: userID})
	if err := b.nc.PublishRequest(subjectLiveness, inbox, q); err != nil {
		return nil, errors.Wrap(err, "publish liveness query")
	}

	deadline := time.Now().Add(b.window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var ids []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := sub.NextMsg(remaining)
		if err != nil {
			break // timeout ends the gather window
		}
		var reply livenessReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			continue
		}
		ids = append(ids, reply.ConnIDs...)
	}
	return ids, nil
}

func (b *Bus) Close() {
	for _, s := range b.subs {
		_ = s.Drain()
	}
	if b.nc != nil {
		b.nc.Close()
	}
}
