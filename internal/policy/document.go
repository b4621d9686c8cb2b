package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/0xKirisame/hokori/internal/diag"
)

const (
	EffectAllow = "Allow"
	EffectDeny  = "Deny"
)

// Document represents an IAM policy document.
//
// It decodes from either a JSON object or the URL-encoded JSON string the IAM
// API returns.
type Document struct {
	Version   string     `json:"Version,omitempty"`
	Statement Statements `json:"Statement"`

	// Source names the policy (ARN or inline name) in warnings.
	Source string `json:"-"`
}

// Statement represents a single IAM policy statement.
type Statement struct {
	Sid       string      `json:"Sid,omitempty"`
	Effect    string      `json:"Effect"`
	Action    ActionValue `json:"Action,omitempty"`
	NotAction ActionValue `json:"NotAction,omitempty"`
	Resource  interface{} `json:"Resource,omitempty"`
	Condition interface{} `json:"Condition,omitempty"`
}

// Statements handles both a single statement object and a list of statements.
type Statements []Statement

func (s *Statements) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var one Statement
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return err
		}
		*s = Statements{one}
		return nil
	}
	var many []Statement
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return fmt.Errorf("Statement must be an object or array of objects: %w", err)
	}
	*s = many
	return nil
}

// ActionValue handles both string and []string for the Action field.
// A present-but-empty list decodes to a non-nil empty slice, so a nil
// ActionValue means the key was absent.
type ActionValue []string

func (a *ActionValue) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*a = nil
		return nil
	}
	// Try array first
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		if arr == nil {
			arr = []string{}
		}
		*a = arr
		return nil
	}
	// Try single string
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("Action must be a string or array of strings: %w", err)
	}
	*a = ActionValue{s}
	return nil
}

type documentAlias Document

func (d *Document) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return err
		}
		parsed, err := Parse(encoded)
		if err != nil {
			return err
		}
		*d = *parsed
		return nil
	}
	var alias documentAlias
	if err := json.Unmarshal(trimmed, &alias); err != nil {
		return err
	}
	*d = Document(alias)
	return nil
}

// Parse decodes a policy document from raw JSON or its URL-encoded form.
// The policy document returned by GetPolicyVersion is URL-percent-encoded.
func Parse(raw string) (*Document, error) {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "{") {
		decoded, err := url.QueryUnescape(text)
		if err != nil {
			return nil, fmt.Errorf("url-decoding policy: %w", err)
		}
		text = decoded
	}

	var alias documentAlias
	if err := json.Unmarshal([]byte(text), &alias); err != nil {
		return nil, fmt.Errorf("parsing policy JSON: %w", err)
	}
	doc := Document(alias)
	return &doc, nil
}

// IsAllow reports whether the statement's effect is Allow.
func (s Statement) IsAllow() bool { return strings.EqualFold(s.Effect, EffectAllow) }

// IsDeny reports whether the statement's effect is Deny.
func (s Statement) IsDeny() bool { return strings.EqualFold(s.Effect, EffectDeny) }

// UsesNotAction reports whether the statement grants by exclusion.
func (s Statement) UsesNotAction() bool { return s.NotAction != nil }

// HasDenyOrNotAction reports whether any statement is a Deny or uses NotAction.
// Access Advisor cannot observe usage through either.
func (d *Document) HasDenyOrNotAction() bool {
	if d == nil {
		return false
	}
	for _, stmt := range d.Statement {
		if stmt.IsDeny() || stmt.UsesNotAction() {
			return true
		}
	}
	return false
}

// AllowsByExclusion reports whether any Allow statement uses NotAction.
func (d *Document) AllowsByExclusion() bool {
	if d == nil {
		return false
	}
	for _, stmt := range d.Statement {
		if stmt.IsAllow() && stmt.UsesNotAction() {
			return true
		}
	}
	return false
}

// Actions returns the normalized, deduplicated and sorted set of actions
// granted by Allow statements. Deny statements are ignored, not subtracted.
// An Allow statement with neither Action nor NotAction contributes nothing
// and is reported to sink as a malformed document.
func Actions(d *Document, sink *diag.Collector) []string {
	if d == nil {
		return []string{}
	}
	seen := make(map[string]struct{})
	actions := []string{}
	for i, stmt := range d.Statement {
		if !stmt.IsAllow() {
			if !stmt.IsDeny() {
				sink.Warn(diag.MalformedPolicyDocument, d.Source,
					fmt.Sprintf("statement %d has unknown effect %q", i, stmt.Effect))
			}
			continue
		}
		if stmt.Action == nil {
			if stmt.NotAction == nil {
				sink.Warn(diag.MalformedPolicyDocument, d.Source,
					fmt.Sprintf("statement %d is an Allow statement with no Action defined", i))
			}
			continue
		}
		for _, action := range stmt.Action {
			key := strings.ToLower(action)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			actions = append(actions, NormalizeAction(action))
		}
	}
	sort.Strings(actions)
	return actions
}

// NormalizeAction lowercases the service prefix (before ':') and preserves action casing.
// e.g. "S3:GetObject" → "s3:GetObject", "s3:*" → "s3:*"
func NormalizeAction(action string) string {
	action = strings.TrimSpace(action)
	parts := strings.SplitN(action, ":", 2)
	if len(parts) == 2 {
		return strings.ToLower(parts[0]) + ":" + parts[1]
	}
	// "*" or other bare wildcards
	return strings.ToLower(action)
}

// SplitAction splits "service:Action" into its parts. ok is false when the
// action has no service prefix (e.g. the bare "*").
func SplitAction(action string) (service, name string, ok bool) {
	parts := strings.SplitN(action, ":", 2)
	if len(parts) != 2 {
		return "", action, false
	}
	return strings.ToLower(parts[0]), parts[1], true
}

// Service returns the service namespace of an action. The bare wildcard "*"
// is its own namespace.
func Service(action string) string {
	if svc, _, ok := SplitAction(action); ok {
		return svc
	}
	return strings.ToLower(action)
}

// Services returns the sorted set of service namespaces implied by actions.
func Services(actions []string) []string {
	seen := make(map[string]struct{}, len(actions))
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		svc := Service(a)
		if _, ok := seen[svc]; ok {
			continue
		}
		seen[svc] = struct{}{}
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}
