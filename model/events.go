package model

// Client -> server event names. Each has a fixed payload schema decoded
// and validated before its handler runs.
const (
	EventMessageSend          = "message:send"
	EventFriendRequestSend    = "friend_request:send"
	EventFriendRequestRespond = "friend_request:respond"
)

// Server -> client event names.
const (
	EventMessageReceived          = "message:received"
	EventFriendRequestReceived    = "friend_request:received"
	EventFriendshipCreated        = "friendship:created"
	EventFriendRequestResponseRcv = "friend_request:response_received"
	EventPresenceChanged          = "user:presence_changed"
	EventPresenceSnapshot         = "user:presence_snapshot"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// OutboundMessage is a chat message accepted from a sender and not yet
// durably sequenced. Partition key is ReceiverID, which pins all
// messages to one receiver onto one log partition in send order.
type OutboundMessage struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	// Timestamp is the application send time in Unix milliseconds; it is
	// also stamped onto the log record.
	Timestamp int64 `json:"timestamp"`
}

// MessageSendPayload is the client payload for message:send.
type MessageSendPayload struct {
	ToUserID string `json:"toUserId"`
	Content  string `json:"content"`
}

// FriendRequestSendPayload relays a caller-supplied friend request to the
// target user's room. The gateway never interprets FriendRequest.
type FriendRequestSendPayload struct {
	ToUserID      string         `json:"toUserId"`
	FriendRequest map[string]any `json:"friendRequest"`
}

// FriendRequestRespondPayload relays an accept/decline back to the
// requester's room.
type FriendRequestRespondPayload struct {
	ToUser    string `json:"toUser"`
	RequestID string `json:"requestId"`
	Accept    bool   `json:"accept"`
}

// MessageReceivedEvent is the real-time (best-effort) delivery payload.
type MessageReceivedEvent struct {
	FromUserID string `json:"fromUserId"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// PresenceChangedEvent is broadcast to every instance when a user's
// connection set transitions between empty and non-empty.
type PresenceChangedEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
}

// PresenceSnapshotEvent is pushed once to a newly connected session: a
// point-in-time view of other users' presence, not a subscription.
type PresenceSnapshotEvent struct {
	Users map[string]string `json:"users"` // userId -> status
}

// FriendRequestResponseEvent is delivered to the original requester.
type FriendRequestResponseEvent struct {
	RequestID string `json:"requestId"`
	Accept    bool   `json:"accept"`
}

// FriendshipCreatedEvent notifies a user that a request they sent was
// accepted.
type FriendshipCreatedEvent struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Image  string `json:"image"`
}
