package xmpp

import (
	"context"
	"encoding/xml"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// tokenReadEncoder adapts a plain token stream to the handler signature.
// Nothing is written back during these tests.
type tokenReadEncoder struct{ xml.TokenReader }

func (tokenReadEncoder) EncodeToken(xml.Token) error { return nil }

func (tokenReadEncoder) Encode(interface{}) error { return nil }

func (tokenReadEncoder) EncodeElement(interface{}, xml.StartElement) error { return nil }

func serveStanza(t *testing.T, c *Client, raw string) {
	t.Helper()
	d := xml.NewDecoder(strings.NewReader(raw))
	tok, err := d.Token()
	if err != nil {
		t.Fatalf("failed to read start element: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}
	if err := c.handleStanza(tokenReadEncoder{d}, &start); err != nil {
		t.Fatalf("failed to handle stanza: %v", err)
	}
}

func TestHandleStanzaDropsBodylessMessage(t *testing.T) {
	c, err := New(Config{JID: "agent@localhost", Password: "p"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	var events []MessageEvent
	c.OnMessage(func(ev MessageEvent) { events = append(events, ev) })

	// Chat state only: no body, no subject. Never surfaced.
	serveStanza(t, c, `<message xmlns='jabber:client' from='u@localhost/phone' type='chat'>`+
		`<composing xmlns='http://jabber.org/protocol/chatstates'/></message>`)
	if len(events) != 0 {
		t.Fatalf("bodyless message must be dropped, got %+v", events)
	}

	serveStanza(t, c, `<message xmlns='jabber:client' id='m1' from='u@localhost/phone' type='chat'>`+
		`<body>hi</body></message>`)
	if len(events) != 1 || events[0].Body != "hi" {
		t.Fatalf("expected the bodied message to surface, got %+v", events)
	}

	// Subject announcements are the one bodyless shape that passes.
	serveStanza(t, c, `<message xmlns='jabber:client' from='r@conference.localhost' type='groupchat'>`+
		`<subject>Friday planning</subject></message>`)
	if len(events) != 2 || events[1].Subject != "Friday planning" || events[1].Body != "" {
		t.Fatalf("expected the subject announcement to surface, got %+v", events)
	}
}

func TestStartConnectTimeoutAgainstMuteServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	// Accept and hold the connection without speaking XMPP. The close is a
	// backstop well past the client's timeout.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(2 * time.Second)
		conn.Close()
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to split listener address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse listener port: %v", err)
	}

	c, err := New(Config{
		JID:            "agent@localhost",
		Password:       "p",
		Host:           host,
		Port:           port,
		ConnectTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	begin := time.Now()
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail against a mute server")
	}
	if elapsed := time.Since(begin); elapsed > 4*time.Second {
		t.Fatalf("start did not give up in time: %v", elapsed)
	}
	if got := c.State(); got != StateOffline {
		t.Fatalf("expected offline after failed start, got %v", got)
	}
}
