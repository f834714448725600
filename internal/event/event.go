package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := predecessors[s]
	return ok
}

// Terminal reports whether no later write may replace s.
func (s Status) Terminal() bool { return s == StatusCompleted }

// Type classifies an event. The set is open; these are the types the pipeline emits.
type Type string

const (
	TypeFileUploaded    Type = "FILE_UPLOADED"
	TypeFileUpload      Type = "FILE_UPLOAD"
	TypeManualEvent     Type = "MANUAL_EVENT"
	TypeS3ObjectCreated Type = "S3_OBJECT_CREATED"
)

// Source names the component that produced an event or last wrote a record.
type Source string

const (
	SourceAPI                 Source = "API"
	SourceS3                  Source = "S3"
	SourceFilesystem          Source = "FILESYSTEM"
	SourceManualTrigger       Source = "MANUAL_TRIGGER"
	SourceSQSProcessor        Source = "SQS_PROCESSOR"
	SourceSQSMessageProcessor Source = "SQS_MESSAGE_PROCESSOR"
	SourceS3EventProcessor    Source = "S3_EVENT_PROCESSOR"
	SourceReconciler          Source = "RECONCILER"
	SourceRedrive             Source = "REDRIVE"
)

// TimestampLayout is fixed width so timestamps sort lexicographically.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// ParseTimestamp parses a value produced by FormatTimestamp (or any RFC 3339 time).
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// NewID returns a fresh event identifier.
func NewID() string { return uuid.NewString() }

// TTLFor returns the expiry (unix seconds) of a record created at created.
func TTLFor(created time.Time, retention time.Duration) int64 {
	return created.Add(retention).Unix()
}

// Key addresses exactly one record.
type Key struct {
	EventID   string `json:"eventId" dynamodbav:"eventId"`
	Timestamp string `json:"timestamp" dynamodbav:"timestamp"`
}

// Record is the persisted state of one event.
type Record struct {
	EventID             string          `json:"eventId"`
	Timestamp           string          `json:"timestamp"`
	EventType           Type            `json:"eventType"`
	Source              Source          `json:"source"`
	Status              Status          `json:"status"`
	ProcessedAt         string          `json:"processedAt,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	FinalStatus         Status          `json:"finalStatus,omitempty"`
	ConfirmedAt         string          `json:"confirmedAt,omitempty"`
	ConfirmationSource  Source          `json:"confirmationSource,omitempty"`
	ConfirmationDetails json.RawMessage `json:"confirmationDetails,omitempty"`
	Data                Payload         `json:"data"`
	TTL                 int64           `json:"ttl,omitempty"`
}

// Key returns the record's composite key.
func (r Record) Key() Key { return Key{EventID: r.EventID, Timestamp: r.Timestamp} }

// UnmarshalJSON decodes Data according to EventType.
func (r *Record) UnmarshalJSON(b []byte) error {
	type alias Record
	aux := struct {
		*alias
		Data json.RawMessage `json:"data"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(r.EventType, aux.Data)
	if err != nil {
		return err
	}
	r.Data = p
	return nil
}

// Message is the immutable snapshot published to the topic.
type Message struct {
	EventID   string  `json:"eventId"`
	Timestamp string  `json:"timestamp"`
	EventType Type    `json:"eventType"`
	Source    Source  `json:"source"`
	Data      Payload `json:"data"`
}

// Key returns the key of the record the message was derived from.
func (m Message) Key() Key { return Key{EventID: m.EventID, Timestamp: m.Timestamp} }

// UnmarshalJSON decodes Data according to EventType.
func (m *Message) UnmarshalJSON(b []byte) error {
	type alias Message
	aux := struct {
		*alias
		Data json.RawMessage `json:"data"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(m.EventType, aux.Data)
	if err != nil {
		return err
	}
	m.Data = p
	return nil
}

// Attributes duplicates routing fields so subscribers can filter without decoding the body.
func (m Message) Attributes() map[string]string {
	return map[string]string{
		"eventId":   m.EventID,
		"eventType": string(m.EventType),
		"source":    string(m.Source),
	}
}

// Confirmation reports a processing outcome back to the record it addresses. Timestamp is
// always the record's key timestamp.
type Confirmation struct {
	EventID   string          `json:"eventId"`
	Timestamp string          `json:"timestamp"`
	Status    Status          `json:"status"`
	Source    Source          `json:"source"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Key returns the key of the addressed record.
func (c Confirmation) Key() Key { return Key{EventID: c.EventID, Timestamp: c.Timestamp} }

// Attributes mirrors Message.Attributes for confirmation traffic.
func (c Confirmation) Attributes() map[string]string {
	return map[string]string{
		"eventId": c.EventID,
		"status":  string(c.Status),
		"source":  string(c.Source),
	}
}
