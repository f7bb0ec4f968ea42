package xmpp

import (
	"encoding/xml"
	"time"

	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Namespaces consumed and emitted by the codec.
const (
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSReceipts   = "urn:xmpp:receipts"
	NSCorrect    = "urn:xmpp:message-correct:0"
	NSReply      = "urn:xmpp:reply:0"
	NSMUC        = "http://jabber.org/protocol/muc"
	NSMUCUser    = "http://jabber.org/protocol/muc#user"
	NSMUCOwner   = "http://jabber.org/protocol/muc#owner"
	NSData       = "jabber:x:data"
)

// ChatState is an XEP-0085 chat state notification.
type ChatState string

const (
	StateComposing ChatState = "composing"
	StatePaused    ChatState = "paused"
	StateActive    ChatState = "active"
	StateInactive  ChatState = "inactive"
	StateGone      ChatState = "gone"
)

// Replace is the XEP-0308 correction marker: the ID of the message being
// replaced.
type Replace struct {
	XMLName xml.Name `xml:"urn:xmpp:message-correct:0 replace"`
	ID      string   `xml:"id,attr"`
}

// Reply is the XEP-0461 reply marker pointing at the thread origin.
type Reply struct {
	XMLName xml.Name `xml:"urn:xmpp:reply:0 reply"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
}

// messageStanza is the inbound message shape: the stanza attributes plus the
// extension children the adapter cares about.
type messageStanza struct {
	stanza.Message
	Body    string       `xml:"body"`
	Subject string       `xml:"subject"`
	Delay   *delay.Delay `xml:"urn:xmpp:delay delay"`
	Replace *Replace     `xml:"urn:xmpp:message-correct:0 replace"`
	Reply   *Reply       `xml:"urn:xmpp:reply:0 reply"`
}

// outboundMessage is the encoded form of a plain text message.
type outboundMessage struct {
	stanza.Message
	Body string `xml:"body"`
}

// chatStateElement marshals to an empty element named after the state in the
// chat states namespace.
type chatStateElement struct {
	XMLName xml.Name
}

type chatStateMessage struct {
	stanza.Message
	State chatStateElement
}

// received is the XEP-0184 delivery receipt.
type received struct {
	XMLName xml.Name `xml:"urn:xmpp:receipts received"`
	ID      string   `xml:"id,attr"`
}

type receiptMessage struct {
	stanza.Message
	Received received
}

// presenceStanza carries the optional show/status/priority children on both
// the inbound and outbound path.
type presenceStanza struct {
	stanza.Presence
	Show     string `xml:"show,omitempty"`
	Status   string `xml:"status,omitempty"`
	Priority int    `xml:"priority,omitempty"`
}

// mucX is the XEP-0045 join marker.
type mucX struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc x"`
}

type mucJoinPresence struct {
	stanza.Presence
	X mucX
}

// submitForm is an empty jabber:x:data submission, accepting the server's
// default room configuration.
type submitForm struct {
	XMLName xml.Name `xml:"jabber:x:data x"`
	Type    string   `xml:"type,attr"`
}

type ownerQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#owner query"`
	Form    submitForm
}

// roomUnlockIQ unlocks a freshly created room (XEP-0045 §10.1) by submitting
// the default owner configuration. Servers treat it as a no-op for rooms
// that already exist.
type roomUnlockIQ struct {
	stanza.IQ
	Query ownerQuery
}

// MessageEvent is a decoded inbound message surfaced to the monitor. Events
// are only delivered when Body or Subject is non-empty; a bodyless event
// with a Subject is a MUC subject announcement (XEP-0045 §7.2.15).
type MessageEvent struct {
	ID        string
	From      jid.JID
	To        jid.JID
	Type      stanza.MessageType
	Body      string
	Subject   string
	Delayed   *time.Time // XEP-0203 original send time, if stamped
	ReplaceID string     // XEP-0308 correction target, if any
	ReplyTo   string     // XEP-0461 thread origin JID, if any
	ReplyID   string     // XEP-0461 thread origin message ID, if any
}

// PresenceEvent is a decoded inbound presence.
type PresenceEvent struct {
	From     jid.JID
	Type     stanza.PresenceType
	Show     string
	Status   string
	Priority int
}

func eventFromMessage(msg *messageStanza) MessageEvent {
	ev := MessageEvent{
		ID:      msg.ID,
		From:    msg.From,
		To:      msg.To,
		Type:    msg.Type,
		Body:    msg.Body,
		Subject: msg.Subject,
	}
	if msg.Delay != nil && !msg.Delay.Time.IsZero() {
		t := msg.Delay.Time
		ev.Delayed = &t
	}
	if msg.Replace != nil {
		ev.ReplaceID = msg.Replace.ID
	}
	if msg.Reply != nil {
		ev.ReplyTo = msg.Reply.To
		ev.ReplyID = msg.Reply.ID
	}
	return ev
}

func eventFromPresence(p *presenceStanza) PresenceEvent {
	return PresenceEvent{
		From:     p.From,
		Type:     p.Type,
		Show:     p.Show,
		Status:   p.Status,
		Priority: p.Priority,
	}
}
