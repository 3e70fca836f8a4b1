// Package firedata models Firestore REST documents and structured queries.
// The listener consumes these through narrow interfaces; nothing here
// depends on the channel transport.
package firedata

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is one decoded Firestore document: full resource name, create
// and update times, and the field values converted to plain Go values.
type Document struct {
	name       string
	createTime time.Time
	updateTime time.Time
	fields     map[string]any
}

// DecodeDocument decodes the raw `document` object of a change notification
// or a documents.get response.
func DecodeDocument(raw json.RawMessage) (*Document, error) {
	var wire struct {
		Name       string                     `json:"name"`
		CreateTime time.Time                  `json:"createTime"`
		UpdateTime time.Time                  `json:"updateTime"`
		Fields     map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	for name, value := range wire.Fields {
		decoded, err := decodeValue(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %v", name, err)
		}
		fields[name] = decoded
	}
	return &Document{
		name:       wire.Name,
		createTime: wire.CreateTime,
		updateTime: wire.UpdateTime,
		fields:     fields,
	}, nil
}

// Name returns the full resource name,
// projects/<p>/databases/<d>/documents/<path>.
func (self *Document) Name() string {
	return self.name
}

// Path returns the document path relative to the database document root.
func (self *Document) Path() string {
	if i := strings.Index(self.name, "/documents/"); 0 <= i {
		return self.name[i+len("/documents/"):]
	}
	return self.name
}

func (self *Document) CreatedAt() time.Time {
	return self.createTime
}

func (self *Document) UpdatedAt() time.Time {
	return self.updateTime
}

func (self *Document) FieldNames() []string {
	names := make([]string, 0, len(self.fields))
	for name := range self.fields {
		names = append(names, name)
	}
	return names
}

// Field returns the decoded value of a field, or nil if absent.
func (self *Document) Field(name string) any {
	return self.fields[name]
}

func (self *Document) StringField(name string) (string, bool) {
	v, ok := self.fields[name].(string)
	return v, ok
}

func (self *Document) IntField(name string) (int64, bool) {
	v, ok := self.fields[name].(int64)
	return v, ok
}

func (self *Document) FloatField(name string) (float64, bool) {
	v, ok := self.fields[name].(float64)
	return v, ok
}

func (self *Document) BoolField(name string) (bool, bool) {
	v, ok := self.fields[name].(bool)
	return v, ok
}

func (self *Document) TimeField(name string) (time.Time, bool) {
	v, ok := self.fields[name].(time.Time)
	return v, ok
}

// decodeValue converts one Firestore typed value wrapper into a plain Go
// value: string, int64, float64, bool, time.Time, []byte, nil,
// map[string]any, []any, or the reference/geo point string forms.
func decodeValue(raw json.RawMessage) (any, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, err
	}
	for valueType, value := range wrapper {
		switch valueType {
		case "nullValue":
			return nil, nil
		case "stringValue", "referenceValue":
			var v string
			err := json.Unmarshal(value, &v)
			return v, err
		case "integerValue":
			// encoded as a decimal string on the wire
			var v string
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, err
			}
			return strconv.ParseInt(v, 10, 64)
		case "doubleValue":
			var v float64
			err := json.Unmarshal(value, &v)
			return v, err
		case "booleanValue":
			var v bool
			err := json.Unmarshal(value, &v)
			return v, err
		case "timestampValue":
			var v time.Time
			err := json.Unmarshal(value, &v)
			return v, err
		case "bytesValue":
			var v string
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(v)
		case "geoPointValue":
			var v struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			}
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, err
			}
			return GeoPoint{Latitude: v.Latitude, Longitude: v.Longitude}, nil
		case "mapValue":
			var v struct {
				Fields map[string]json.RawMessage `json:"fields"`
			}
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, err
			}
			fields := map[string]any{}
			for name, nested := range v.Fields {
				decoded, err := decodeValue(nested)
				if err != nil {
					return nil, err
				}
				fields[name] = decoded
			}
			return fields, nil
		case "arrayValue":
			var v struct {
				Values []json.RawMessage `json:"values"`
			}
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, err
			}
			values := make([]any, 0, len(v.Values))
			for _, nested := range v.Values {
				decoded, err := decodeValue(nested)
				if err != nil {
					return nil, err
				}
				values = append(values, decoded)
			}
			return values, nil
		}
	}
	return nil, fmt.Errorf("unknown value wrapper %s", string(raw))
}

type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// encodeValue is the inverse of decodeValue, used by query filters.
func encodeValue(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return map[string]any{"nullValue": nil}
	case string:
		return map[string]any{"stringValue": v}
	case int:
		return map[string]any{"integerValue": strconv.FormatInt(int64(v), 10)}
	case int64:
		return map[string]any{"integerValue": strconv.FormatInt(v, 10)}
	case float64:
		return map[string]any{"doubleValue": v}
	case bool:
		return map[string]any{"booleanValue": v}
	case time.Time:
		return map[string]any{"timestampValue": v.UTC().Format(time.RFC3339Nano)}
	case []byte:
		return map[string]any{"bytesValue": base64.StdEncoding.EncodeToString(v)}
	case GeoPoint:
		return map[string]any{"geoPointValue": map[string]any{
			"latitude":  v.Latitude,
			"longitude": v.Longitude,
		}}
	case []any:
		values := make([]any, 0, len(v))
		for _, nested := range v {
			values = append(values, encodeValue(nested))
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	case map[string]any:
		fields := map[string]any{}
		for name, nested := range v {
			fields[name] = encodeValue(nested)
		}
		return map[string]any{"mapValue": map[string]any{"fields": fields}}
	default:
		return map[string]any{"stringValue": fmt.Sprintf("%v", v)}
	}
}
