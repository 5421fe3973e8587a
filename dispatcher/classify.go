package dispatcher

import (
	"github.com/cyberinferno/go-sessionhub/safeset"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/tidwall/gjson"
)

// RouteKind is the outcome of classifying an inbound message.
type RouteKind int

const (
	RouteHandler RouteKind = iota
	RouteDirect
	RouteBroadcast
	RouteInvalid
)

// String implements fmt.Stringer.
func (k RouteKind) String() string {
	switch k {
	case RouteHandler:
		return "handler"
	case RouteDirect:
		return "direct"
	case RouteBroadcast:
		return "broadcast"
	case RouteInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Binary routing header bytes.
const (
	HeaderHandler   byte = 0x00
	HeaderBroadcast byte = 0x01
	HeaderDirect    byte = 0x02
)

// Route tells Dispatch where a message goes. Targets is set for RouteDirect
// and Reason for RouteInvalid.
type Route struct {
	Kind    RouteKind
	Targets []session.SessionID
	Reason  string
}

// Classify inspects the kind and payload header of msg. It has no side
// effects.
//
// Text payloads that are JSON objects carrying a "to" field are routed: "*"
// broadcasts, a string or array of strings names direct targets. Binary
// payloads start with a header byte: 0x00 handler, 0x01 broadcast, 0x02
// followed by a length byte and that many bytes of target id.
func Classify(msg session.Message) Route {
	switch msg.Kind() {
	case session.KindControl:
		return Route{Kind: RouteHandler}
	case session.KindText:
		return classifyText(msg.Text())
	case session.KindBinary:
		return classifyBinary(msg.Payload())
	default:
		return Route{Kind: RouteInvalid, Reason: "unknown message kind"}
	}
}

func classifyText(text string) Route {
	if !gjson.Valid(text) {
		return Route{Kind: RouteHandler}
	}
	doc := gjson.Parse(text)
	if !doc.IsObject() {
		return Route{Kind: RouteHandler}
	}

	to := doc.Get("to")
	if !to.Exists() {
		return Route{Kind: RouteHandler}
	}

	switch {
	case to.Type == gjson.String && to.Str == "*":
		return Route{Kind: RouteBroadcast}
	case to.Type == gjson.String && to.Str != "":
		return Route{Kind: RouteDirect, Targets: []session.SessionID{session.SessionID(to.Str)}}
	case to.IsArray():
		targets := safeset.NewSafeSet[session.SessionID]()
		ordered := make([]session.SessionID, 0, len(to.Array()))
		for _, item := range to.Array() {
			if item.Type != gjson.String || item.Str == "" {
				return Route{Kind: RouteInvalid, Reason: `"to" must contain non-empty strings`}
			}
			id := session.SessionID(item.Str)
			if targets.Add(id) {
				ordered = append(ordered, id)
			}
		}
		if targets.Size() == 0 {
			return Route{Kind: RouteInvalid, Reason: `"to" is empty`}
		}
		return Route{Kind: RouteDirect, Targets: ordered}
	default:
		return Route{Kind: RouteInvalid, Reason: `"to" must be "*", a string or an array of strings`}
	}
}

func classifyBinary(payload []byte) Route {
	if len(payload) == 0 {
		return Route{Kind: RouteInvalid, Reason: "missing header byte"}
	}

	switch payload[0] {
	case HeaderHandler:
		return Route{Kind: RouteHandler}
	case HeaderBroadcast:
		return Route{Kind: RouteBroadcast}
	case HeaderDirect:
		if len(payload) < 2 {
			return Route{Kind: RouteInvalid, Reason: "missing target length"}
		}
		n := int(payload[1])
		if n == 0 || len(payload) < 2+n {
			return Route{Kind: RouteInvalid, Reason: "truncated target id"}
		}
		return Route{Kind: RouteDirect, Targets: []session.SessionID{session.SessionID(payload[2 : 2+n])}}
	default:
		return Route{Kind: RouteInvalid, Reason: "unknown header byte"}
	}
}
