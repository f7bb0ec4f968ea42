package xmpp

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"mellium.im/xmpp/stanza"
)

func TestDecodeMessageWithExtensions(t *testing.T) {
	raw := []byte(`<message xmlns='jabber:client' id='m1' from='den@conference.example.com/alice' to='agent@example.com' type='groupchat'>` +
		`<body>hello room</body>` +
		`<delay xmlns='urn:xmpp:delay' stamp='2024-01-15T10:30:00Z'/>` +
		`<replace xmlns='urn:xmpp:message-correct:0' id='orig-1'/>` +
		`<reply xmlns='urn:xmpp:reply:0' to='alice@example.com' id='prev-9'/>` +
		`</message>`)

	msg := messageStanza{}
	if err := xml.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}

	if msg.ID != "m1" {
		t.Fatalf("expected id m1, got %q", msg.ID)
	}
	if msg.Body != "hello room" {
		t.Fatalf("expected body, got %q", msg.Body)
	}
	if msg.Type != stanza.GroupChatMessage {
		t.Fatalf("expected groupchat type, got %q", msg.Type)
	}
	if msg.From.Bare().String() != "den@conference.example.com" {
		t.Fatalf("unexpected from: %s", msg.From)
	}
	if msg.From.Resourcepart() != "alice" {
		t.Fatalf("unexpected nick: %s", msg.From.Resourcepart())
	}

	ev := eventFromMessage(&msg)
	if ev.Delayed == nil {
		t.Fatalf("expected delay stamp to be decoded")
	}
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !ev.Delayed.Equal(want) {
		t.Fatalf("expected stamp %v, got %v", want, ev.Delayed)
	}
	if ev.ReplaceID != "orig-1" {
		t.Fatalf("expected correction target orig-1, got %q", ev.ReplaceID)
	}
	if ev.ReplyTo != "alice@example.com" || ev.ReplyID != "prev-9" {
		t.Fatalf("unexpected reply marker: %q %q", ev.ReplyTo, ev.ReplyID)
	}
}

func TestDecodeMessagePlain(t *testing.T) {
	raw := []byte(`<message xmlns='jabber:client' id='m2' from='bob@example.com/phone' type='chat'><body>hi</body></message>`)

	msg := messageStanza{}
	if err := xml.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	ev := eventFromMessage(&msg)
	if ev.Delayed != nil || ev.ReplaceID != "" || ev.ReplyTo != "" {
		t.Fatalf("expected no extensions on plain message: %+v", ev)
	}
	if ev.Body != "hi" {
		t.Fatalf("expected body hi, got %q", ev.Body)
	}
}

func TestEncodeChatState(t *testing.T) {
	b, err := xml.Marshal(chatStateMessage{
		Message: stanza.Message{Type: stanza.ChatMessage},
		State:   chatStateElement{XMLName: xml.Name{Space: NSChatStates, Local: string(StateComposing)}},
	})
	if err != nil {
		t.Fatalf("failed to marshal chat state: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `<composing xmlns="http://jabber.org/protocol/chatstates"`) {
		t.Fatalf("expected composing element, got %s", out)
	}
	if !strings.Contains(out, `type="chat"`) {
		t.Fatalf("expected chat type, got %s", out)
	}
}

func TestEncodeReceipt(t *testing.T) {
	b, err := xml.Marshal(receiptMessage{Received: received{ID: "msg-123"}})
	if err != nil {
		t.Fatalf("failed to marshal receipt: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `<received xmlns="urn:xmpp:receipts" id="msg-123"`) {
		t.Fatalf("expected receipt element, got %s", out)
	}
}

func TestEncodeMUCJoinAndUnlock(t *testing.T) {
	b, err := xml.Marshal(mucJoinPresence{})
	if err != nil {
		t.Fatalf("failed to marshal join presence: %v", err)
	}
	if !strings.Contains(string(b), `<x xmlns="http://jabber.org/protocol/muc"`) {
		t.Fatalf("expected muc marker, got %s", b)
	}

	b, err = xml.Marshal(roomUnlockIQ{
		IQ:    stanza.IQ{ID: "cfg-1", Type: stanza.SetIQ},
		Query: ownerQuery{Form: submitForm{Type: "submit"}},
	})
	if err != nil {
		t.Fatalf("failed to marshal unlock iq: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `<query xmlns="http://jabber.org/protocol/muc#owner"`) {
		t.Fatalf("expected owner query, got %s", out)
	}
	if !strings.Contains(out, `<x xmlns="jabber:x:data" type="submit"`) {
		t.Fatalf("expected submit form, got %s", out)
	}
	if !strings.Contains(out, `type="set"`) {
		t.Fatalf("expected set iq, got %s", out)
	}
}

func TestEncodePresenceChildren(t *testing.T) {
	b, err := xml.Marshal(presenceStanza{Show: "dnd", Status: "busy", Priority: 5})
	if err != nil {
		t.Fatalf("failed to marshal presence: %v", err)
	}
	out := string(b)
	for _, want := range []string{"<show>dnd</show>", "<status>busy</status>", "<priority>5</priority>"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}
