package envelope

// Protocol tags the purpose of an envelope. The set is closed: Decode
// rejects any tag not listed here.
type Protocol string

const (
	System         Protocol = "system"
	Function       Protocol = "function"
	FunctionCall   Protocol = "function_call"
	FunctionReturn Protocol = "function_return"
	Queue          Protocol = "queue"
	QueueCall      Protocol = "queue_call"
	QueueReturn    Protocol = "queue_return"
	SubCall        Protocol = "sub_call"
	SubReturn      Protocol = "sub_return"
	UnsubCall      Protocol = "unsub_call"
	UnsubReturn    Protocol = "unsub_return"
	PubCall        Protocol = "pub_call"
	PubReturn      Protocol = "pub_return"
	Pub            Protocol = "pub"
)

// KeyConnect is the key of the handshake envelope sent on the System protocol.
const KeyConnect = "connect"

var protocols = []Protocol{
	System, Function, FunctionCall, FunctionReturn,
	Queue, QueueCall, QueueReturn,
	SubCall, SubReturn, UnsubCall, UnsubReturn,
	PubCall, PubReturn, Pub,
}

var known = func() map[Protocol]struct{} {
	m := make(map[Protocol]struct{}, len(protocols))
	for _, p := range protocols {
		m[p] = struct{}{}
	}
	return m
}()

// Protocols lists every known protocol tag.
func Protocols() []Protocol {
	out := make([]Protocol, len(protocols))
	copy(out, protocols)
	return out
}

// Valid reports whether p belongs to the closed protocol set.
func (p Protocol) Valid() bool {
	_, ok := known[p]
	return ok
}

func (p Protocol) String() string { return string(p) }

// Reply returns the protocol that answers p, and false for protocols that
// are never answered.
func (p Protocol) Reply() (Protocol, bool) {
	switch p {
	case FunctionCall:
		return FunctionReturn, true
	case QueueCall:
		return QueueReturn, true
	case SubCall:
		return SubReturn, true
	case UnsubCall:
		return UnsubReturn, true
	case PubCall:
		return PubReturn, true
	}
	return "", false
}
