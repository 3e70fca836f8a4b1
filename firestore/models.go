package firestore

import (
	"encoding/json"
	"time"
)

// Document is the decoded payload of a change notification. The concrete
// model is supplied by the document model collaborator (see
// ListenerSettings.DecodeDocument); the listener itself only needs the
// identity and freshness of the document.
type Document interface {
	Path() string
	UpdatedAt() time.Time
}

// Query is a serialized structured query for a query target.
type Query interface {
	ToJSON() map[string]any
}

// CredentialProvider supplies the bearer token for channel requests.
// RefreshCount must be monotonic, advancing each time the token is replaced,
// so the poll loop can detect a rotation and renegotiate its session.
type CredentialProvider interface {
	RefreshCount() int64
	Refresh(force bool) (bool, error)
	BearerToken() string
}

// DocumentChangedFunc receives the decoded document of a change notification.
// It is invoked on the listener worker and blocks parsing until it returns.
type DocumentChangedFunc func(doc Document)

// DocumentDeletedFunc receives the document path and read time of a delete
// notification. It is invoked from the delete dispatcher, in enqueue order.
type DocumentDeletedFunc func(docPath string, readTime time.Time)

// ListenerErrorFunc receives non-fatal errors from the poll loop.
type ListenerErrorFunc func(err error)

// TokenRefreshFunc is notified with the outcome of a token renewal forced by
// an embedded 401 status.
type TokenRefreshFunc func(ok bool, err error)

// DecodeDocumentFunc builds a Document from the raw `document` object of a
// change telegram.
type DecodeDocumentFunc func(raw json.RawMessage) (Document, error)

// RawDocument is the document model produced by the fallback decoder. The
// value map is passed through undecoded; callers that want typed fields
// configure their own DecodeDocumentFunc instead.
type RawDocument interface {
	Document
	Fields() json.RawMessage
}

// basicDocument is the fallback document model when no decoder is configured.
type basicDocument struct {
	name       string
	updateTime time.Time
	fields     json.RawMessage
}

func decodeBasicDocument(raw json.RawMessage) (Document, error) {
	var doc struct {
		Name       string          `json:"name"`
		UpdateTime time.Time       `json:"updateTime"`
		Fields     json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &basicDocument{
		name:       doc.Name,
		updateTime: doc.UpdateTime,
		fields:     doc.Fields,
	}, nil
}

func (self *basicDocument) Path() string {
	return self.name
}

func (self *basicDocument) UpdatedAt() time.Time {
	return self.updateTime
}

// Fields returns the raw Firestore value map of the document.
func (self *basicDocument) Fields() json.RawMessage {
	return self.fields
}
