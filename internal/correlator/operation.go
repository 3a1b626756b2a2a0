package correlator

// Handle identifies one outstanding operation. Handles are unique within
// the process and are never reused while the operation is outstanding.
type Handle uint64

// Kind is the type of asynchronous operation.
type Kind int

const (
	KindConnect Kind = iota
	KindDisconnect
	KindPublish
	KindSubscribe
	KindUnsubscribe
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Phase tracks a publish through the engine.
//
//	Dispatched -> Accepted -> Delivered
//	     \            \
//	      +------------+--> Failed
//
// Non-publish operations go straight from Dispatched to Delivered or Failed.
type Phase int

const (
	PhaseDispatched Phase = iota
	PhaseAccepted
	PhaseDelivered
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseDispatched:
		return "dispatched"
	case PhaseAccepted:
		return "accepted"
	case PhaseDelivered:
		return "delivered"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation describes a request handed to the correlator.
type Operation struct {
	Kind Kind

	// Connection is the identity of the logical connection the operation
	// belongs to. FailConnection matches on it.
	Connection string

	// UserContext is opaque caller data returned on completion.
	UserContext any

	// Listener is notified on completion. May be nil.
	Listener Listener

	// Topics carries the filters of a subscribe or unsubscribe, or the
	// single topic of a publish.
	Topics []string

	// Payload is the message body of a publish.
	Payload []byte
	QoS     byte
}

// Listener receives operation outcomes. Callbacks run synchronously on
// the goroutine that resolved the operation and must not block.
type Listener interface {
	OnSuccess(tok *Token)
	OnFailure(tok *Token, err error)
}

// ListenerFuncs adapts a pair of functions to Listener. Either may be nil.
type ListenerFuncs struct {
	Success func(tok *Token)
	Failure func(tok *Token, err error)
}

func (l ListenerFuncs) OnSuccess(tok *Token) {
	if l.Success != nil {
		l.Success(tok)
	}
}

func (l ListenerFuncs) OnFailure(tok *Token, err error) {
	if l.Failure != nil {
		l.Failure(tok, err)
	}
}
