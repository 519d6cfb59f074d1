package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every botgate component.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldTransport = "transport"
	FieldEventID   = "event_id"
	FieldEventKind = "event_kind"
	FieldSessionID = "session_id"
	FieldState     = "state"
	FieldHandler   = "handler"
	FieldSeq       = "seq"
	FieldIP        = "ip"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Transport(t string) slog.Attr {
	return slog.String(FieldTransport, t)
}

func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

func EventKind(kind string) slog.Attr {
	return slog.String(FieldEventKind, kind)
}

func SessionID(id string) slog.Attr {
	return slog.String(FieldSessionID, id)
}

func State(state string) slog.Attr {
	return slog.String(FieldState, state)
}

func Handler(name string) slog.Attr {
	return slog.String(FieldHandler, name)
}

func Seq(seq int64) slog.Attr {
	return slog.Int64(FieldSeq, seq)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration records d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns an attribute for err. A nil error is logged as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
