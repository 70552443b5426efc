package event

import (
	"testing"
	"time"

	"github.com/jabolina/tnlgo/internal/bitstream"
	"github.com/jabolina/tnlgo/internal/netlog"
	"github.com/jabolina/tnlgo/internal/notify"
	"github.com/jabolina/tnlgo/internal/typedb"
)

type chatMessage struct {
	Text string
}

func chatDescriptor() *typedb.Descriptor {
	return typedb.NewDescriptor(1, "chat", nil,
		typedb.StringField("text", 0, true,
			func(o interface{}) string { return o.(*chatMessage).Text },
			func(o interface{}, v string) { o.(*chatMessage).Text = v }),
	)
}

func newTestRPC(discipline Discipline, direction Direction, received *[]string) RPC {
	return RPC{
		Handle:     1,
		Descriptor: chatDescriptor(),
		Direction:  direction,
		Discipline: discipline,
		New:        func() interface{} { return &chatMessage{} },
		Invoke: func(conn interface{}, obj interface{}) {
			*received = append(*received, obj.(*chatMessage).Text)
		},
	}
}

func TestEvent_UnguaranteedRoundTrip(t *testing.T) {
	var received []string
	sender := NewChannel(true, 8)
	receiver := NewChannel(false, 8)
	rpc := newTestRPC(Unguaranteed, Bidirectional, &received)
	_ = sender.RegisterRPC(rpc)
	_ = receiver.RegisterRPC(rpc)

	if err := sender.PostEvent(1, &chatMessage{Text: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w := bitstream.NewWriter(512)
	entry := &notify.Entry{}
	sender.Pack(w, 400, entry)

	r := bitstream.NewReader(w.Bytes())
	if err := receiver.Unpack(r, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 1 || received[0] != "hi" {
		t.Fatalf("unexpected received: %v", received)
	}
}

func TestEvent_GuaranteedRequeuesOnLoss(t *testing.T) {
	var received []string
	sender := NewChannel(true, 8)
	rpc := newTestRPC(Guaranteed, Bidirectional, &received)
	_ = sender.RegisterRPC(rpc)
	_ = sender.PostEvent(1, &chatMessage{Text: "important"})

	win := notify.NewWindow(8, 10*time.Millisecond, time.Hour, netlog.NewDefaultLogger("test"))
	w := bitstream.NewWriter(512)
	win.SendPacket(w, func(w *bitstream.Writer, e *notify.Entry) {
		sender.Pack(w, 400, e)
	})

	if len(sender.queues[Guaranteed]) != 0 {
		t.Fatalf("expected queue drained after packing")
	}

	time.Sleep(30 * time.Millisecond)
	win.CheckTimeouts(time.Now())

	if len(sender.queues[Guaranteed]) != 1 {
		t.Fatalf("expected event requeued at head after loss")
	}
}

func TestEvent_GuaranteedOrderedDispatchInOrder(t *testing.T) {
	var received []string
	sender := NewChannel(true, 8)
	receiver := NewChannel(false, 8)
	rpc := newTestRPC(GuaranteedOrdered, Bidirectional, &received)
	_ = sender.RegisterRPC(rpc)
	_ = receiver.RegisterRPC(rpc)

	_ = sender.PostEvent(1, &chatMessage{Text: "e1"})
	w1 := bitstream.NewWriter(512)
	sender.Pack(w1, 400, &notify.Entry{})

	_ = sender.PostEvent(1, &chatMessage{Text: "e2"})
	w2 := bitstream.NewWriter(512)
	sender.Pack(w2, 400, &notify.Entry{})

	_ = sender.PostEvent(1, &chatMessage{Text: "e3"})
	w3 := bitstream.NewWriter(512)
	sender.Pack(w3, 400, &notify.Entry{})

	// Deliver out of order: e1, then e3 (buffered), then e2 (releases e3).
	mustUnpack(t, receiver, w1)
	mustUnpack(t, receiver, w3)
	if len(received) != 1 {
		t.Fatalf("e3 should be buffered until e2 arrives, got %v", received)
	}
	mustUnpack(t, receiver, w2)

	if len(received) != 3 || received[0] != "e1" || received[1] != "e2" || received[2] != "e3" {
		t.Fatalf("expected e1,e2,e3 in order, got %v", received)
	}
}

func TestEvent_DirectionViolationIsIllegalRPC(t *testing.T) {
	var received []string
	client := NewChannel(false, 8)
	rpc := newTestRPC(Unguaranteed, ServerToClient, &received)
	_ = client.RegisterRPC(rpc)

	if err := client.PostEvent(1, &chatMessage{Text: "nope"}); err == nil {
		t.Fatalf("expected error posting a server-to-client event from a client channel")
	}
}

func mustUnpack(t *testing.T, c *Channel, w *bitstream.Writer) {
	t.Helper()
	r := bitstream.NewReader(w.Bytes())
	if err := c.Unpack(r, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

