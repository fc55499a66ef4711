// Package wire implements the strict tagged-variant JSON decoding called
// for by the "Untyped JSON on the wire" Design Note in spec.md §9: reject
// unknown or incomplete shapes rather than silently defaulting.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// StrictDecode decodes data into v, rejecting unknown fields and requiring
// every field v's JSON tags name to be present and non-zero is left to the
// caller; this only guards against shape drift, not business validation.
func StrictDecode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: failed to decode: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("wire: trailing data after decoded value")
	}
	return nil
}

// MetadataRecord is the exact shape of log block 0 (spec.md §6.3):
// {hypermerge:1, docId, groupId, parentId?}.
type MetadataRecord struct {
	Hypermerge int     `json:"hypermerge"`
	DocID      string  `json:"docId"`
	GroupID    string  `json:"groupId"`
	ParentID   *string `json:"parentId,omitempty"`
}

// Validate rejects a MetadataRecord missing required fields or carrying an
// unsupported schema version, per spec.md §7 CorruptMetadata.
func (m MetadataRecord) Validate() error {
	if m.Hypermerge != 1 {
		return fmt.Errorf("wire: unsupported metadata schema version %d", m.Hypermerge)
	}
	if m.DocID == "" || m.GroupID == "" {
		return fmt.Errorf("wire: metadata record missing docId/groupId")
	}
	return nil
}

// ExtensionMessage is the envelope every payload on the "hypermerge" named
// extension channel uses (spec.md §6.3: UTF-8 JSON {type, ...}).
type ExtensionMessage struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// FeedsSharedMessage is the one concrete message type defined by spec.md
// §4.6: {type: "FEEDS_SHARED", keys: [actorIdHex, ...]}.
type FeedsSharedMessage struct {
	Type string   `json:"type"`
	Keys []string `json:"keys"`
}

const TypeFeedsShared = "FEEDS_SHARED"

// DecodeExtensionMessage sniffs the "type" field, then strictly decodes the
// full shape for recognized types. Unrecognized types are returned as a raw
// map so the caller can re-emit peer:message, per spec.md §4.6.
func DecodeExtensionMessage(data []byte) (msgType string, feedsShared *FeedsSharedMessage, raw map[string]interface{}, err error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", nil, nil, fmt.Errorf("wire: failed to sniff extension message type: %w", err)
	}
	switch probe.Type {
	case TypeFeedsShared:
		var fs FeedsSharedMessage
		if err := StrictDecode(data, &fs); err != nil {
			return "", nil, nil, err
		}
		return TypeFeedsShared, &fs, nil, nil
	default:
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			return "", nil, nil, fmt.Errorf("wire: failed to decode unknown extension message: %w", err)
		}
		return probe.Type, nil, m, nil
	}
}
