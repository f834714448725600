package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyEventID      = "event_id"
	KeyTimestamp    = "timestamp"
	KeyEventType    = "event_type"
	KeySource       = "source"
	KeyStatus       = "status"
	KeyQueue        = "queue"
	KeyMessageID    = "message_id"
	KeyReceiveCount = "receive_count"
	KeyChannel      = "channel"
	KeyObjectKey    = "object_key"
	KeyBucket       = "bucket"
	KeyWorker       = "worker"
	KeyJob          = "job"
	KeyDurationMS   = "duration_ms"
	KeyMethod       = "method"
	KeyPath         = "path"
	KeyHTTPStatus   = "http_status"
	KeyRemoteAddr   = "remote_addr"
	KeyCount        = "count"
	KeyError        = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func EventID(id string) slog.Attr     { return slog.String(KeyEventID, id) }
func Timestamp(ts string) slog.Attr   { return slog.String(KeyTimestamp, ts) }
func EventType(t string) slog.Attr    { return slog.String(KeyEventType, t) }
func Source(s string) slog.Attr       { return slog.String(KeySource, s) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Queue(name string) slog.Attr     { return slog.String(KeyQueue, name) }
func MessageID(id string) slog.Attr   { return slog.String(KeyMessageID, id) }
func ReceiveCount(n int) slog.Attr    { return slog.Int(KeyReceiveCount, n) }
func Channel(c string) slog.Attr      { return slog.String(KeyChannel, c) }
func ObjectKey(k string) slog.Attr    { return slog.String(KeyObjectKey, k) }
func Bucket(b string) slog.Attr       { return slog.String(KeyBucket, b) }
func Worker(w string) slog.Attr       { return slog.String(KeyWorker, w) }
func Job(name string) slog.Attr       { return slog.String(KeyJob, name) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func HTTPStatus(code int) slog.Attr   { return slog.Int(KeyHTTPStatus, code) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

// Duration renders d in fractional milliseconds under KeyDurationMS.
func Duration(d time.Duration) slog.Attr {
	return DurationMS(float64(d) / float64(time.Millisecond))
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
