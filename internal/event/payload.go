package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the type-specific body of a record or message. The concrete variants are
// FileUpload, ObjectCreated and Manual.
type Payload interface {
	payload()
}

// FileUpload describes a stored file. It is the payload of FILE_UPLOAD records and of every
// FILE_UPLOADED message.
type FileUpload struct {
	BucketName string `json:"bucketName"`
	ObjectKey  string `json:"objectKey"`
	FileName   string `json:"fileName,omitempty"`
	FileType   string `json:"fileType,omitempty"`
	FileSize   int64  `json:"fileSize"`
}

// ObjectCreated describes an object observed in the blob store.
type ObjectCreated struct {
	BucketName string `json:"bucketName"`
	ObjectKey  string `json:"objectKey"`
	FileSize   int64  `json:"fileSize"`
	ETag       string `json:"eTag,omitempty"`
}

// Manual carries an arbitrary JSON object supplied by a client.
type Manual struct {
	Fields json.RawMessage
}

func (FileUpload) payload()    {}
func (ObjectCreated) payload() {}
func (Manual) payload()        {}

// MarshalJSON emits the object verbatim, or {} when empty.
func (m Manual) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(m.Fields)) == 0 {
		return []byte("{}"), nil
	}
	return m.Fields, nil
}

// UnmarshalJSON keeps a copy of the raw object.
func (m *Manual) UnmarshalJSON(b []byte) error {
	m.Fields = append(json.RawMessage(nil), b...)
	return nil
}

// DecodePayload decodes raw into the variant that belongs to t. Types the pipeline does not
// know decode as Manual.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	switch t {
	case TypeFileUpload, TypeFileUploaded:
		var p FileUpload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypeS3ObjectCreated:
		var p ObjectCreated
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	default:
		return Manual{Fields: append(json.RawMessage(nil), raw...)}, nil
	}
}
