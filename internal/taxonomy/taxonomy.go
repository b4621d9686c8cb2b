// Package taxonomy holds the action → access-level table used to decide
// whether a policy grants write capability.
//
// The table is the policy_sentry iam-definition.json dataset. It is loaded
// once per run and never mutated afterwards.
package taxonomy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/0xKirisame/hokori/internal/policy"
)

// AccessLevel is the access classification of a single IAM action.
type AccessLevel string

const (
	LevelRead                  AccessLevel = "Read"
	LevelList                  AccessLevel = "List"
	LevelTagging               AccessLevel = "Tagging"
	LevelWrite                 AccessLevel = "Write"
	LevelDelete                AccessLevel = "Delete"
	LevelPermissionsManagement AccessLevel = "Permissions management"
)

// GrantsWrite reports whether the level allows changing state.
func (l AccessLevel) GrantsWrite() bool {
	switch l {
	case LevelWrite, LevelDelete, LevelPermissionsManagement:
		return true
	}
	return false
}

// Entry is a resolved taxonomy row.
type Entry struct {
	Service string
	Action  string
	Level   AccessLevel
}

// Table maps service → action → access level. Lookups are case-insensitive.
type Table struct {
	services map[string]map[string]Entry
	actions  int
}

// New builds a Table from service → action name → access level.
func New(levels map[string]map[string]AccessLevel) *Table {
	t := &Table{services: make(map[string]map[string]Entry, len(levels))}
	for svc, actions := range levels {
		for name, level := range actions {
			t.add(svc, name, level)
		}
	}
	return t
}

func (t *Table) add(service, action string, level AccessLevel) {
	svc := strings.ToLower(service)
	m, ok := t.services[svc]
	if !ok {
		m = make(map[string]Entry)
		t.services[svc] = m
	}
	key := strings.ToLower(action)
	if _, exists := m[key]; !exists {
		t.actions++
	}
	m[key] = Entry{Service: svc, Action: action, Level: level}
}

// Len returns the number of actions in the table.
func (t *Table) Len() int { return t.actions }

// Services returns the number of services in the table.
func (t *Table) Services() int { return len(t.services) }

// Resolve returns every entry of service whose action name matches the
// wildcard pattern, sorted by action name. It returns nil when nothing matches.
func (t *Table) Resolve(service, pattern string) []Entry {
	actions, ok := t.services[strings.ToLower(service)]
	if !ok {
		return nil
	}
	if !strings.ContainsAny(pattern, "*?") {
		if e, ok := actions[strings.ToLower(pattern)]; ok {
			return []Entry{e}
		}
		return nil
	}

	var out []Entry
	for _, e := range actions {
		if policy.Match(pattern, e.Action) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// LoadFile reads a taxonomy table from a JSON file.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening action taxonomy: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// privilegeDef is one action of the policy_sentry dataset.
type privilegeDef struct {
	Privilege   string      `json:"privilege"`
	AccessLevel AccessLevel `json:"access_level"`
}

// serviceDef is one service of the policy_sentry dataset. Privileges appear
// either as an object keyed by action name or, in older releases, as a list.
type serviceDef struct {
	Prefix     string          `json:"prefix"`
	Privileges json.RawMessage `json:"privileges"`
}

// Load decodes a policy_sentry iam-definition.json document. Both the current
// object-keyed layout and the older list layout are accepted.
func Load(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading action taxonomy: %w", err)
	}
	data = bytes.TrimSpace(data)

	var services []serviceDef
	switch {
	case len(data) > 0 && data[0] == '[':
		if err := json.Unmarshal(data, &services); err != nil {
			return nil, fmt.Errorf("parsing action taxonomy: %w", err)
		}
	default:
		var keyed map[string]serviceDef
		if err := json.Unmarshal(data, &keyed); err != nil {
			return nil, fmt.Errorf("parsing action taxonomy: %w", err)
		}
		for prefix, svc := range keyed {
			if svc.Prefix == "" {
				svc.Prefix = prefix
			}
			services = append(services, svc)
		}
	}

	t := &Table{services: make(map[string]map[string]Entry, len(services))}
	for _, svc := range services {
		privs, err := decodePrivileges(svc.Privileges)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svc.Prefix, err)
		}
		for _, p := range privs {
			t.add(svc.Prefix, p.Privilege, p.AccessLevel)
		}
	}
	if t.Len() == 0 {
		return nil, fmt.Errorf("action taxonomy contains no actions")
	}
	return t, nil
}

func decodePrivileges(raw json.RawMessage) ([]privilegeDef, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []privilegeDef
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("parsing privileges: %w", err)
		}
		return list, nil
	}
	var keyed map[string]privilegeDef
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("parsing privileges: %w", err)
	}
	out := make([]privilegeDef, 0, len(keyed))
	for name, p := range keyed {
		if p.Privilege == "" {
			p.Privilege = name
		}
		out = append(out, p)
	}
	return out, nil
}
