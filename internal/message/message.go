// Package message defines the boundary Message type the transport core
// sees, and the internal MessageBuffer/BufferContext types a Transport
// threads through the rendezvous protocol.
package message

// Kind classifies a Message by the two booleans (push?, request?), plus a
// fifth "control" kind for anything that is neither a push nor a pull.
type Kind int

const (
	KindControl Kind = iota
	KindPushRequest
	KindPushResponse
	KindPullRequest
	KindPullResponse
)

func (k Kind) String() string {
	switch k {
	case KindPushRequest:
		return "push-request"
	case KindPushResponse:
		return "push-response"
	case KindPullRequest:
		return "pull-request"
	case KindPullResponse:
		return "pull-response"
	default:
		return "control"
	}
}

// IsPush reports whether this kind belongs to the push direction.
func (k Kind) IsPush() bool {
	return k == KindPushRequest || k == KindPushResponse
}

// IsRequest reports whether this kind is the initiating leg of its pair.
func (k Kind) IsRequest() bool {
	return k == KindPushRequest || k == KindPullRequest
}

// Segment is a reference-counted payload slice: Release must be called
// exactly once by whoever last needs the bytes.
type Segment struct {
	Data    []byte
	release func()
}

// NewSegment wraps data with a release callback. A nil release is valid
// for segments that don't own anything (e.g. views into a pool buffer
// whose lifetime is managed elsewhere).
func NewSegment(data []byte, release func()) Segment {
	return Segment{Data: data, release: release}
}

func (s Segment) Release() {
	if s.release != nil {
		s.release()
	}
}

func (s Segment) Len() int { return len(s.Data) }

// Message is the opaque boundary type: a meta blob plus up to three
// payload segments, classified by Kind.
type Message struct {
	Meta   []byte
	Keys   Segment
	Values Segment
	Lens   Segment
	kind   Kind
}

func NewMessage(meta []byte, push, request bool) Message {
	k := KindPullResponse
	switch {
	case push && request:
		k = KindPushRequest
	case push && !request:
		k = KindPushResponse
	case !push && request:
		k = KindPullRequest
	}
	return Message{Meta: meta, kind: k}
}

func NewControlMessage(meta []byte) Message {
	return Message{Meta: meta, kind: KindControl}
}

func (m Message) Kind() Kind { return m.kind }

// Release frees all segments owned by the message. Safe to call on a
// message whose segments are all zero-value.
func (m Message) Release() {
	m.Keys.Release()
	m.Values.Release()
	m.Lens.Release()
}

// TotalBytes sums the meta length and every segment's length, the
// quantity send_msg/recv_msg report back to the caller.
func (m Message) TotalBytes() int {
	return len(m.Meta) + m.Keys.Len() + m.Values.Len() + m.Lens.Len()
}
