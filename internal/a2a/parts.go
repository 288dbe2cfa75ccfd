// Package a2a implements the agent-to-agent message protocol: the part
// union, the outbound envelope, the event stream reader, and the task
// lifecycle for calls to remote agents.
package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PartKind discriminates the Part union.
type PartKind string

const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
	PartData PartKind = "data"
)

// File roles carry image-edit semantics; unknown roles pass through opaque.
const (
	FileRoleBase    = "base"
	FileRoleMask    = "mask"
	FileRoleOverlay = "overlay"
	FileRoleResult  = "result"
)

// FileRef is the payload of a file part. URI must be an HTTPS URL reachable
// by the receiving agent.
type FileRef struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Part is the tagged union {text | file | data}. Exactly one payload field
// is set according to Kind.
type Part struct {
	Kind PartKind               `json:"kind"`
	Text string                 `json:"text,omitempty"`
	File *FileRef               `json:"file,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// FilePart builds a file part.
func FilePart(name, uri, mimeType, role string) Part {
	return Part{Kind: PartFile, File: &FileRef{Name: name, URI: uri, MimeType: mimeType, Role: role}}
}

// DataPart builds a data part with an opaque payload.
func DataPart(payload map[string]interface{}) Part {
	return Part{Kind: PartData, Data: payload}
}

// ArtifactURI returns the artifact-uri carried by a data part, if any.
func (p Part) ArtifactURI() (string, bool) {
	if p.Kind != PartData || p.Data == nil {
		return "", false
	}
	uri, ok := p.Data["artifact-uri"].(string)
	return uri, ok && uri != ""
}

// Validate checks the union invariant.
func (p Part) Validate() error {
	switch p.Kind {
	case PartText:
		return nil
	case PartFile:
		if p.File == nil || p.File.URI == "" {
			return E(KindValidation, "file part requires a uri")
		}
		if !strings.HasPrefix(p.File.URI, "https://") && !strings.HasPrefix(p.File.URI, "http://") {
			return E(KindValidation, "file part uri must be an http(s) URL, got %q", p.File.URI)
		}
		return nil
	case PartData:
		if p.Data == nil {
			return E(KindValidation, "data part requires a payload")
		}
		return nil
	default:
		return E(KindValidation, "unknown part kind %q", p.Kind)
	}
}

// wirePart is the outbound shape: the part payload nested under "root",
// which is what current agents emit and expect.
type wirePart struct {
	Root json.RawMessage `json:"root"`
}

// MarshalWire encodes parts in the nested root.kind shape for the outbound
// envelope.
func MarshalWire(parts []Part) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		inner, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal part: %w", err)
		}
		wrapped, err := json.Marshal(wirePart{Root: inner})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap part: %w", err)
		}
		out = append(out, wrapped)
	}
	return out, nil
}

// NormalizePart decodes a single wire part, accepting both the nested
// root.kind shape and the flattened kind shape. Agents disagree on which
// one they emit; everything past this boundary sees only Part.
func NormalizePart(raw json.RawMessage) (Part, error) {
	var nested wirePart
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested.Root) > 0 && string(nested.Root) != "null" {
		raw = nested.Root
	}

	var flat struct {
		Kind PartKind               `json:"kind"`
		Type PartKind               `json:"type"` // some agents say "type"
		Text string                 `json:"text"`
		File *FileRef               `json:"file"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &flat); err != nil {
		return Part{}, E(KindProtocol, "malformed part: %v", err)
	}

	kind := flat.Kind
	if kind == "" {
		kind = flat.Type
	}
	if kind == "" {
		// Infer from payload for agents that omit the tag entirely.
		switch {
		case flat.File != nil:
			kind = PartFile
		case flat.Data != nil:
			kind = PartData
		case flat.Text != "":
			kind = PartText
		default:
			return Part{}, E(KindProtocol, "part has no kind and no recognizable payload")
		}
	}

	p := Part{Kind: kind, Text: flat.Text, File: flat.File, Data: flat.Data}
	switch kind {
	case PartText, PartFile, PartData:
		return p, nil
	default:
		return Part{}, E(KindProtocol, "unknown part kind %q", kind)
	}
}

// NormalizeParts decodes a list of wire parts, dropping nothing: a single
// malformed part fails the whole batch, per the protocol error contract.
func NormalizeParts(raw []json.RawMessage) ([]Part, error) {
	parts := make([]Part, 0, len(raw))
	for i, r := range raw {
		p, err := NormalizePart(r)
		if err != nil {
			return nil, Wrap(KindProtocol, err, "part %d", i)
		}
		parts = append(parts, p)
	}
	return parts, nil
}
