package decode

import (
	"testing"

	"github.com/siddharth-movaliya/os-chat/model"
)

func TestMapDecodesTypedPayload(t *testing.T) {
	p, err := Map[model.MessageSendPayload](map[string]any{
		"toUserId": "bob",
		"content":  "hi",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ToUserID != "bob" || p.Content != "hi" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestMapWeaklyTypedInput(t *testing.T) {
	// JSON numbers arrive as float64; booleans as strings from sloppy
	// clients. Weak typing absorbs both.
	p, err := Map[model.FriendRequestRespondPayload](map[string]any{
		"toUser":    "bob",
		"requestId": float64(12345),
		"accept":    "true",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.RequestID != "12345" || !p.Accept {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestMapRejectsNil(t *testing.T) {
	if _, err := Map[model.MessageSendPayload](nil); err == nil {
		t.Fatal("nil payload must fail")
	}
}

func TestMapIgnoresUnknownFields(t *testing.T) {
	p, err := Map[model.MessageSendPayload](map[string]any{
		"toUserId": "bob",
		"content":  "hi",
		"extra":    []any{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ToUserID != "bob" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
