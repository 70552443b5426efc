// Package notify implements Component B: a per-connection
// sliding window of outstanding datagrams, producing delivered/lost
// callbacks for whatever attached itself to a sent datagram. It never
// retransmits -- delivery status is only ever reported upward.
package notify

import (
	"sync"
	"time"

	"github.com/jabolina/tnlgo/internal/bitstream"
	"github.com/jabolina/tnlgo/internal/netlog"
)

// AckHistoryBits is the width of the ack-history bitfield carried on
// every datagram ("ack history (16 bits)").
const AckHistoryBits = 16

// DefaultWindowSize bounds how many datagrams may be outstanding at
// once: a connection constant, a few dozen.
const DefaultWindowSize = 32

// Attachment is anything whose fate is tied to one outstanding datagram:
// the event channel's guaranteed/guaranteed-ordered queues and the ghost
// manager's per-record notify chain both implement this to learn whether
// their payload made it across.
type Attachment interface {
	Delivered()
	Lost()
}

// Entry is the per-datagram bookkeeping record: own sequence, list of
// event records whose fate is tied to it, head of ghost-ref chain. Both
// lists are represented uniformly as Attachments.
type Entry struct {
	Sequence    uint16
	SentAt      time.Time
	attachments []Attachment
}

// Attach ties an Attachment to this entry's fate.
func (e *Entry) Attach(a Attachment) {
	e.attachments = append(e.attachments, a)
}

// Header is the notify portion of a datagram's wire layout.
type Header struct {
	Sequence        uint16
	HighestReceived uint16
	AckHistory      uint16
}

// WriteHeader writes h in the MSB-first, 16/16/16-bit layout every
// datagram on the wire uses.
func WriteHeader(w *bitstream.Writer, h Header) {
	w.WriteUnsigned(uint32(h.Sequence), 16)
	w.WriteUnsigned(uint32(h.HighestReceived), 16)
	w.WriteUnsigned(uint32(h.AckHistory), 16)
}

// ReadHeader is the inverse of WriteHeader.
func ReadHeader(r *bitstream.Reader) (Header, error) {
	seq, err := r.ReadUnsigned(16)
	if err != nil {
		return Header{}, err
	}
	hr, err := r.ReadUnsigned(16)
	if err != nil {
		return Header{}, err
	}
	ah, err := r.ReadUnsigned(16)
	if err != nil {
		return Header{}, err
	}
	return Header{Sequence: uint16(seq), HighestReceived: uint16(hr), AckHistory: uint16(ah)}, nil
}

// Window is one connection's notify-protocol state: send sequence
// counter and receive window.
type Window struct {
	mu sync.Mutex

	sendSeq uint16

	recvInit   bool
	recvSeq    uint16
	ackHistory uint16

	outstanding map[uint16]*Entry
	size        int

	entryTimeout time.Duration
	connTimeout  time.Duration
	lastTraffic  time.Time

	log netlog.Logger
}

// NewWindow creates a Window bounded to size outstanding datagrams, with
// entryTimeout governing when an un-acked datagram is declared lost and
// connTimeout governing when the whole connection is declared timed out.
func NewWindow(size int, entryTimeout, connTimeout time.Duration, log netlog.Logger) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		outstanding:  make(map[uint16]*Entry),
		size:         size,
		entryTimeout: entryTimeout,
		connTimeout:  connTimeout,
		log:          log,
	}
}

// CanSend reports whether the sliding window has room for another
// outstanding datagram.
func (w *Window) CanSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outstanding) < w.size
}

// Outstanding returns how many datagrams are currently unacknowledged.
func (w *Window) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outstanding)
}

// SendPacket writes the notify header onto writer, allocates a notify
// entry for the datagram, invokes fill so higher layers can pack their
// payload after the header and attach themselves to the entry, and
// returns the entry ("send_packet(payload_filler)").
func (w *Window) SendPacket(writer *bitstream.Writer, fill func(*bitstream.Writer, *Entry)) *Entry {
	w.mu.Lock()
	w.sendSeq++
	hdr := Header{Sequence: w.sendSeq, HighestReceived: w.recvSeq, AckHistory: w.ackHistory}
	entry := &Entry{Sequence: hdr.Sequence, SentAt: time.Now()}
	w.mu.Unlock()

	WriteHeader(writer, hdr)
	fill(writer, entry)

	w.mu.Lock()
	w.outstanding[entry.Sequence] = entry
	w.mu.Unlock()
	return entry
}

// Receive processes an arriving datagram's notify header: it updates the
// receive window and ack-history bitfield, then resolves any prior
// outstanding entries the header now reveals as delivered or lost,
// firing their attachments before freeing them.
func (w *Window) Receive(hdr Header) {
	var resolved []resolution

	w.mu.Lock()
	w.lastTraffic = time.Now()
	if !w.recvInit {
		w.recvInit = true
		w.recvSeq = hdr.Sequence
	} else if seqGreater(hdr.Sequence, w.recvSeq) {
		shift := seqDelta(hdr.Sequence, w.recvSeq)
		if shift >= AckHistoryBits {
			w.ackHistory = 0
		} else {
			w.ackHistory <<= uint(shift)
		}
		if shift-1 >= 0 && shift-1 < AckHistoryBits {
			w.ackHistory |= 1 << uint(shift-1)
		}
		w.recvSeq = hdr.Sequence
	} else if seqLess(hdr.Sequence, w.recvSeq) {
		back := seqDelta(w.recvSeq, hdr.Sequence)
		if back >= 1 && back <= AckHistoryBits {
			w.ackHistory |= 1 << uint(back-1)
		}
	}

	resolved = w.resolveAcksLocked(hdr)
	w.mu.Unlock()

	fire(resolved)
}

type resolution struct {
	entry *Entry
	lost  bool
}

func (w *Window) resolveAcksLocked(hdr Header) []resolution {
	var out []resolution
	for seq, entry := range w.outstanding {
		switch {
		case seq == hdr.HighestReceived:
			out = append(out, resolution{entry, false})
			delete(w.outstanding, seq)
		case seqLess(seq, hdr.HighestReceived):
			back := seqDelta(hdr.HighestReceived, seq)
			switch {
			case back <= AckHistoryBits && hdr.AckHistory&(1<<uint(back-1)) != 0:
				out = append(out, resolution{entry, false})
				delete(w.outstanding, seq)
			case back > AckHistoryBits:
				out = append(out, resolution{entry, true})
				delete(w.outstanding, seq)
			}
		}
	}
	return out
}

// CheckTimeouts declares any outstanding entry older than the
// per-connection entry timeout lost, and reports whether the connection
// itself has exceeded its no-traffic timeout ("Timeout: an
// outstanding notify entry older than a per-connection threshold is
// declared lost; the connection is declared timed-out after a longer
// threshold of no traffic").
func (w *Window) CheckTimeouts(now time.Time) (timedOut bool) {
	var resolved []resolution

	w.mu.Lock()
	for seq, e := range w.outstanding {
		if now.Sub(e.SentAt) > w.entryTimeout {
			resolved = append(resolved, resolution{e, true})
			delete(w.outstanding, seq)
		}
	}
	timedOut = !w.lastTraffic.IsZero() && now.Sub(w.lastTraffic) > w.connTimeout
	w.mu.Unlock()

	fire(resolved)
	return timedOut
}

// Reset clears all outstanding entries without firing callbacks, used by
// Disconnect ("frees notify entries ... No further callbacks
// fire").
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outstanding = make(map[uint16]*Entry)
}

func fire(resolved []resolution) {
	for _, r := range resolved {
		for _, a := range r.entry.attachments {
			if r.lost {
				a.Lost()
			} else {
				a.Delivered()
			}
		}
	}
}

func seqGreater(a, b uint16) bool { return int16(a-b) > 0 }
func seqLess(a, b uint16) bool    { return int16(a-b) < 0 }
func seqDelta(a, b uint16) int    { return int(int16(a - b)) }
