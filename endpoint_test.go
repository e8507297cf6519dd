package coap

import (
	"net"
	"testing"
	"time"
)

func fastTestConfig() Config {
	return Build(
		WithAckTimeout(30*time.Millisecond),
		WithAckRandomFactor(1),
		WithMaxRetransmit(2),
		WithRequestTimeout(2*time.Second),
		WithRandomIDStart(false),
		WithRandomTokenStart(false),
	)
}

func newLoopbackEndpoint(t *testing.T, cfg Config) *Endpoint {
	t.Helper()
	ch, err := ListenUDPChannel("udp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("ListenUDPChannel: %v", err)
	}
	ep := NewEndpoint(ch, cfg)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestEndpointSendReceivesPiggybackedResponse(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer server.Close()

	go func() {
		buf := make([]byte, 2048)
		n, addr, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := ParseMessage(buf[:n])
		if err != nil {
			return
		}
		resp := Message{
			Type:      Acknowledgement,
			Code:      Content,
			MessageID: req.MessageID,
			Token:     req.Token,
			Payload:   []byte("hello"),
		}
		raw, err := resp.MarshalBinary()
		if err != nil {
			return
		}
		server.WriteToUDP(raw, addr)
	}()

	ep := newLoopbackEndpoint(t, fastTestConfig())

	req := NewRequest(Confirmable, GET, nil)
	req.SetPathString("sensors/temp")

	resp, err := ep.Send(req, server.LocalAddr())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Code != Content {
		t.Fatalf("resp.Code = %v, want Content", resp.Code)
	}
	if string(resp.Payload) != "hello" {
		t.Fatalf("resp.Payload = %q, want %q", resp.Payload, "hello")
	}
}

func TestEndpointPingReceivesReset(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer server.Close()

	go func() {
		buf := make([]byte, 2048)
		n, addr, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		ping, err := ParseMessage(buf[:n])
		if err != nil {
			return
		}
		rst := NewReset(ping.MessageID)
		raw, err := rst.MarshalBinary()
		if err != nil {
			return
		}
		server.WriteToUDP(raw, addr)
	}()

	ep := newLoopbackEndpoint(t, fastTestConfig())

	alive, err := ep.Ping(server.LocalAddr())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !alive {
		t.Fatal("Ping should report true on a Reset reply")
	}
}

func TestEndpointSendTimesOutWithoutAResponse(t *testing.T) {
	// A bound-but-silent socket: datagrams arrive but nothing ever
	// answers, so the CON exhausts its retransmissions and the request
	// resolves with ErrTimeout.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer silent.Close()

	cfg := fastTestConfig()
	cfg.RequestTimeout = 500 * time.Millisecond
	ep := newLoopbackEndpoint(t, cfg)

	req := NewRequest(Confirmable, GET, nil)
	_, err = ep.Send(req, silent.LocalAddr())
	if err == nil {
		t.Fatal("expected an error when the peer never responds")
	}
}

// waitForExchangeByID polls the endpoint's store until it has indexed an
// exchange for (peer, id), since handleIncoming runs asynchronously on
// the endpoint's own event-loop goroutine.
func waitForExchangeByID(t *testing.T, ep *Endpoint, peer net.Addr, id uint16) *Exchange {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ex, ok := ep.store.LookupByID(peer, id); ok {
			return ex
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no exchange indexed for id %d within timeout", id)
	return nil
}

func waitForExchangeByToken(t *testing.T, ep *Endpoint, peer net.Addr, token []byte) *Exchange {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ex, ok := ep.store.LookupByToken(peer, token); ok {
			return ex
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no exchange indexed for token %x within timeout", token)
	return nil
}

func readDatagram(t *testing.T, conn *net.UDPConn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return append([]byte(nil), buf[:n]...)
}

// TestEndpointRespondCachesAnswerForDuplicateReplay exercises spec §4.3's
// duplicate-request handling (Universal Invariant #6): a server-role
// Respond caches the wire bytes it sent, and a later duplicate of the
// original CON is answered by replaying those exact bytes rather than
// being handed to the pipeline a second time.
func TestEndpointRespondCachesAnswerForDuplicateReplay(t *testing.T) {
	ep := newLoopbackEndpoint(t, fastTestConfig())

	client, err := net.DialUDP("udp", nil, ep.channel.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	req := NewRequest(Confirmable, GET, []byte{0x07})
	req.MessageID = 0x1234
	raw, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write request: %v", err)
	}

	ex := waitForExchangeByID(t, ep, client.LocalAddr(), req.MessageID)
	if err := ep.Respond(ex, Message{Code: Content, Payload: []byte("hi")}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	first := readDatagram(t, client, time.Second)
	firstResp, err := ParseMessage(first)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if firstResp.Type != Acknowledgement || firstResp.MessageID != req.MessageID {
		t.Fatalf("first reply = %+v, want an ACK for message id %d", firstResp, req.MessageID)
	}
	if string(firstResp.Payload) != "hi" {
		t.Fatalf("first reply payload = %q, want %q", firstResp.Payload, "hi")
	}

	// A duplicate of the original CON (same message ID) must be answered
	// with the exact cached bytes, not reprocessed.
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write duplicate request: %v", err)
	}
	second := readDatagram(t, client, time.Second)
	if string(second) != string(first) {
		t.Fatalf("duplicate reply = %x, want the cached bytes %x", second, first)
	}
}

// TestEndpointNotifyQueuesWhileConfirmableInTransit exercises spec §4.6's
// single-CON-in-flight rule (Universal Invariant #5): a second Notify
// issued while the first Confirmable notification is still unacknowledged
// is stashed and only sent once the first resolves.
func TestEndpointNotifyQueuesWhileConfirmableInTransit(t *testing.T) {
	// A long ACK timeout keeps the first CON notification from being
	// retransmitted while the test checks that nothing else is sent.
	cfg := fastTestConfig()
	cfg.AckTimeout = 5 * time.Second
	ep := newLoopbackEndpoint(t, cfg)

	client, err := net.DialUDP("udp", nil, ep.channel.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	token := []byte{0xAA}
	req := NewRequest(Confirmable, GET, token)
	req.MessageID = 0x5566
	req.SetOption(Observe, uint32(0))
	raw, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if _, err := client.Write(raw); err != nil {
		t.Fatalf("write request: %v", err)
	}
	waitForExchangeByToken(t, ep, client.LocalAddr(), token)

	peer := client.LocalAddr()
	if err := ep.Notify(peer, token, Message{Type: Confirmable, Code: Content, Payload: []byte("v1")}); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	first := readDatagram(t, client, time.Second)
	firstNotif, err := ParseMessage(first)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if string(firstNotif.Payload) != "v1" {
		t.Fatalf("first notification payload = %q, want %q", firstNotif.Payload, "v1")
	}

	if err := ep.Notify(peer, token, Message{Type: NonConfirmable, Code: Content, Payload: []byte("v2")}); err != nil {
		t.Fatalf("second Notify: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 2048)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("second notification should be stashed, not sent while the first is in transit")
	}

	ack := NewAck(firstNotif.MessageID)
	ackRaw, err := ack.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if _, err := client.Write(ackRaw); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	second := readDatagram(t, client, time.Second)
	secondNotif, err := ParseMessage(second)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if string(secondNotif.Payload) != "v2" {
		t.Fatalf("promoted notification payload = %q, want %q", secondNotif.Payload, "v2")
	}
}

func TestEndpointCloseStopsTheEventLoop(t *testing.T) {
	cfg := fastTestConfig()
	ch, err := ListenUDPChannel("udp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("ListenUDPChannel: %v", err)
	}
	ep := NewEndpoint(ch, cfg)

	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := ep.Send(NewRequest(Confirmable, GET, nil), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}); err != ErrClosed {
		t.Fatalf("Send after Close: %v, want ErrClosed", err)
	}
}
