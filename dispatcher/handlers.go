package dispatcher

import (
	"context"
	"strings"

	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/tidwall/gjson"
)

// EchoHandler sends every text or binary message back to its origin as
// text. Binary bodies lose their routing header; invalid UTF-8 is replaced.
func EchoHandler(reg Registry) Handler {
	return func(_ context.Context, origin session.SessionID, msg session.Message) {
		var body string
		switch msg.Kind() {
		case session.KindText:
			body = msg.Text()
		case session.KindBinary:
			payload := msg.Payload()
			if len(payload) > 0 && payload[0] == HeaderHandler {
				payload = payload[1:]
			}
			body = strings.ToValidUTF8(string(payload), "\uFFFD")
		default:
			return
		}
		_ = reg.Send(origin, session.NewText(body))
	}
}

// ControlHandler answers {"type":"control.ping"} with {"type":"control.pong"},
// echoing the optional "id" field.
func ControlHandler(reg Registry) Handler {
	return func(_ context.Context, origin session.SessionID, msg session.Message) {
		doc := gjson.Parse(msg.Text())
		if doc.Get("type").String() != "control.ping" {
			return
		}

		reply := `{"type":"control.pong"}`
		if id := doc.Get("id"); id.Exists() {
			reply = `{"type":"control.pong","id":` + id.Raw + `}`
		}
		_ = reg.Send(origin, session.NewMessage(session.KindControl, []byte(reply)))
	}
}
