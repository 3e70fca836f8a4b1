package firestore

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/maps"
)

// One decoded telegram payload element. The wire carries a single JSON
// object per element with exactly one discriminant key, or one of the bare
// literals "noop" / "close". Decoding happens once into this tagged form;
// interpretation switches over the kind exhaustively.

type telegramKind int

const (
	telegramKeepAlive telegramKind = iota
	telegramClose
	telegramDocumentChange
	telegramDocumentDelete
	telegramTargetChange
	telegramFilter
	telegramStatus
)

type telegram struct {
	kind           telegramKind
	documentChange *documentChangePayload
	documentDelete *documentDeletePayload
	status         any
}

type documentChangePayload struct {
	Document  json.RawMessage `json:"document"`
	TargetIds []int           `json:"targetIds"`
}

type documentDeletePayload struct {
	Document         string    `json:"document"`
	RemovedTargetIds []int     `json:"removedTargetIds"`
	ReadTime         time.Time `json:"readTime"`
}

// decodeTelegrams flattens one payload value into its telegram elements.
// The payload is either a single element or an array of elements.
func decodeTelegrams(payload string) ([]telegram, error) {
	var value json.RawMessage
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return nil, fmt.Errorf("telegram payload: %v: %w", err, ErrProtocol)
	}
	if len(value) > 0 && value[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(value, &elements); err != nil {
			return nil, fmt.Errorf("telegram array: %v: %w", err, ErrProtocol)
		}
		telegrams := []telegram{}
		for _, element := range elements {
			tg, err := decodeTelegramElement(element)
			if err != nil {
				return nil, err
			}
			telegrams = append(telegrams, tg)
		}
		return telegrams, nil
	}
	tg, err := decodeTelegramElement(value)
	if err != nil {
		return nil, err
	}
	return []telegram{tg}, nil
}

func decodeTelegramElement(element json.RawMessage) (telegram, error) {
	if len(element) > 0 && element[0] == '"' {
		var literal string
		if err := json.Unmarshal(element, &literal); err != nil {
			return telegram{}, fmt.Errorf("telegram literal: %v: %w", err, ErrProtocol)
		}
		switch literal {
		case "noop":
			return telegram{kind: telegramKeepAlive}, nil
		case "close":
			return telegram{kind: telegramClose}, nil
		default:
			return telegram{}, fmt.Errorf("unknown telegram literal %q: %w", literal, ErrProtocol)
		}
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(element, &object); err != nil {
		return telegram{}, fmt.Errorf("telegram object: %v: %w", err, ErrProtocol)
	}

	if raw, ok := object["documentChange"]; ok {
		change := &documentChangePayload{}
		if err := json.Unmarshal(raw, change); err != nil {
			return telegram{}, fmt.Errorf("documentChange: %v: %w", err, ErrProtocol)
		}
		return telegram{kind: telegramDocumentChange, documentChange: change}, nil
	}
	for _, key := range []string{"documentDelete", "documentRemove"} {
		if raw, ok := object[key]; ok {
			remove := &documentDeletePayload{}
			if err := json.Unmarshal(raw, remove); err != nil {
				return telegram{}, fmt.Errorf("%s: %v: %w", key, err, ErrProtocol)
			}
			return telegram{kind: telegramDocumentDelete, documentDelete: remove}, nil
		}
	}
	if _, ok := object["targetChange"]; ok {
		return telegram{kind: telegramTargetChange}, nil
	}
	if _, ok := object["filter"]; ok {
		return telegram{kind: telegramFilter}, nil
	}
	if raw, ok := object["__sm__"]; ok {
		var status any
		if err := json.Unmarshal(raw, &status); err != nil {
			return telegram{}, fmt.Errorf("status telegram: %v: %w", err, ErrProtocol)
		}
		return telegram{kind: telegramStatus, status: status}, nil
	}
	return telegram{}, fmt.Errorf("unknown telegram %v: %w", maps.Keys(object), ErrProtocol)
}

// statusCodes walks a decoded status telegram collecting every numeric
// "code" entry, however the server chose to nest it.
func statusCodes(status any) []int {
	codes := []int{}
	var walk func(value any)
	walk = func(value any) {
		switch v := value.(type) {
		case map[string]any:
			if code, ok := v["code"].(float64); ok {
				codes = append(codes, int(code))
			}
			for _, nested := range v {
				walk(nested)
			}
		case []any:
			for _, nested := range v {
				walk(nested)
			}
		}
	}
	walk(status)
	return codes
}
