package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/siddharth-movaliya/os-chat/logger"
	"github.com/siddharth-movaliya/os-chat/model"
	"github.com/siddharth-movaliya/os-chat/tools/decode"
	"github.com/siddharth-movaliya/os-chat/tools/errs"
)

// Dispatch routes one parsed frame to its handler and acknowledges the
// result. Handler errors become failed acks; they never take down the
// connection.
func (s *Server) Dispatch(client *Client, frame *Frame) {
	var err error
	switch frame.Event {
	case model.EventMessageSend:
		err = s.onMessageSend(client, frame)
	case model.EventFriendRequestSend:
		err = s.onFriendRequestSend(client, frame)
	case model.EventFriendRequestRespond:
		err = s.onFriendRequestRespond(client, frame)
	default:
		err = errs.ErrBadPayload.WithDetail("unknown event " + frame.Event)
	}

	if err != nil {
		logger.Warn("gateway: handler failed",
			zap.String("event", frame.Event), zap.String("user", client.UserID), zap.Error(err))
	}
	if frame.ID != 0 {
		client.enqueue(BuildAck(frame.ID, err))
	}
}

// onMessageSend timestamps the message, best-effort delivers it to the
// recipient's room immediately, and hands it to the relay producer for
// durable sequencing. The ack reflects durability, not the in-memory
// delivery; the immediate push deliberately does not wait for the log.
func (s *Server) onMessageSend(client *Client, frame *Frame) error {
	p, err := decode.Map[model.MessageSendPayload](frame.Data)
	if err != nil {
		return errs.ErrBadPayload.WithDetail(err.Error())
	}
	if p.ToUserID == "" || p.Content == "" {
		return errs.ErrBadPayload.WithDetail("toUserId and content are required")
	}
	if p.ToUserID == client.UserID {
		return errs.ErrBadPayload.WithDetail("cannot message yourself")
	}

	if s.friends != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		ok, ferr := s.friends.AreFriends(ctx, client.UserID, p.ToUserID)
		cancel()
		switch {
		case ferr != nil:
			// The graph is a best-effort read; don't fail sends on it.
			logger.Warn("gateway: friend graph unavailable",
				zap.String("user", client.UserID), zap.Error(ferr))
		case !ok:
			return errs.ErrTargetUnknown.WithDetail("users are not friends")
		}
	}

	msg := &model.OutboundMessage{
		SenderID:   client.UserID,
		ReceiverID: p.ToUserID,
		Content:    p.Content,
		Timestamp:  time.Now().UnixMilli(),
	}

	// Immediate best-effort delivery; a miss here is fine, the durable
	// path below is the guaranteed-eventual channel.
	if err := s.emitter.EmitToUser(p.ToUserID, model.EventMessageReceived, model.MessageReceivedEvent{
		FromUserID: msg.SenderID,
		Message:    msg.Content,
		Timestamp:  msg.Timestamp,
	}); err != nil {
		logger.Warn("gateway: best-effort delivery failed",
			zap.String("to", p.ToUserID), zap.Error(err))
	}

	return s.producer.Publish(msg)
}

// onFriendRequestSend is pure routing: the caller-supplied payload goes
// to the target user's room, best-effort only.
func (s *Server) onFriendRequestSend(client *Client, frame *Frame) error {
	p, err := decode.Map[model.FriendRequestSendPayload](frame.Data)
	if err != nil {
		return errs.ErrBadPayload.WithDetail(err.Error())
	}
	if p.ToUserID == "" || len(p.FriendRequest) == 0 {
		return errs.ErrBadPayload.WithDetail("toUserId and friendRequest are required")
	}

	return s.emitter.EmitToUser(p.ToUserID, model.EventFriendRequestReceived, map[string]any{
		"friendRequest": p.FriendRequest,
	})
}

// onFriendRequestRespond relays accept/decline to the requester, and on
// accept additionally announces the new friendship with the responder's
// profile from their verified claims.
func (s *Server) onFriendRequestRespond(client *Client, frame *Frame) error {
	p, err := decode.Map[model.FriendRequestRespondPayload](frame.Data)
	if err != nil {
		return errs.ErrBadPayload.WithDetail(err.Error())
	}
	if p.ToUser == "" || p.RequestID == "" {
		return errs.ErrBadPayload.WithDetail("toUser and requestId are required")
	}

	if err := s.emitter.EmitToUser(p.ToUser, model.EventFriendRequestResponseRcv, model.FriendRequestResponseEvent{
		RequestID: p.RequestID,
		Accept:    p.Accept,
	}); err != nil {
		return err
	}

	if p.Accept {
		return s.emitter.EmitToUser(p.ToUser, model.EventFriendshipCreated, model.FriendshipCreatedEvent{
			UserID: client.UserID,
			Name:   client.Claims.Name,
			Image:  client.Claims.Picture,
		})
	}
	return nil
}
