package snapshot

import (
	"errors"
	"fmt"

	"github.com/0xKirisame/hokori/internal/policy"
)

// ErrInconsistent marks a snapshot whose cross-references do not resolve.
var ErrInconsistent = errors.New("inconsistent snapshot")

// InconsistentError describes a dangling reference inside a snapshot.
type InconsistentError struct {
	Kind  string // "policy", "policy version", "group", "credentials", "timestamp"
	Ref   string
	Owner string
	Err   error
}

func (e *InconsistentError) Error() string {
	msg := fmt.Sprintf("%s: %s %q", ErrInconsistent, e.Kind, e.Ref)
	if e.Owner != "" {
		msg += " referenced by " + e.Owner
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + " not found"
}

func (e *InconsistentError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInconsistent, e.Err}
	}
	return []error{ErrInconsistent}
}

// Index provides keyed lookups over a snapshot. When a key repeats, the first
// entity in snapshot order wins.
type Index struct {
	snap        *Snapshot
	policies    map[string]*ManagedPolicy
	groups      map[string]*Group
	users       map[string]*User
	roles       map[string]*Role
	credentials map[string]*Credentials
}

// NewIndex builds the lookup maps for s. The index holds pointers into s.
func NewIndex(s *Snapshot) *Index {
	ix := &Index{
		snap:        s,
		policies:    make(map[string]*ManagedPolicy, len(s.Policies)),
		groups:      make(map[string]*Group, len(s.Groups)),
		users:       make(map[string]*User, len(s.Users)),
		roles:       make(map[string]*Role, len(s.Roles)),
		credentials: make(map[string]*Credentials, len(s.CredentialReport)),
	}
	for i := range s.Policies {
		p := &s.Policies[i]
		if _, ok := ix.policies[p.Arn]; !ok {
			ix.policies[p.Arn] = p
		}
	}
	for i := range s.Groups {
		g := &s.Groups[i]
		if _, ok := ix.groups[g.GroupName]; !ok {
			ix.groups[g.GroupName] = g
		}
	}
	for i := range s.Users {
		u := &s.Users[i]
		if _, ok := ix.users[u.UserName]; !ok {
			ix.users[u.UserName] = u
		}
	}
	for i := range s.Roles {
		r := &s.Roles[i]
		if _, ok := ix.roles[r.RoleName]; !ok {
			ix.roles[r.RoleName] = r
		}
	}
	for i := range s.CredentialReport {
		c := &s.CredentialReport[i]
		if _, ok := ix.credentials[c.User]; !ok {
			ix.credentials[c.User] = c
		}
	}
	return ix
}

// Snapshot returns the indexed snapshot.
func (ix *Index) Snapshot() *Snapshot { return ix.snap }

// Policy returns the managed policy with the given ARN.
func (ix *Index) Policy(owner, arn string) (*ManagedPolicy, error) {
	p, ok := ix.policies[arn]
	if !ok {
		return nil, &InconsistentError{Kind: "policy", Ref: arn, Owner: owner}
	}
	return p, nil
}

// PolicyDocument returns the default-version document of the policy with the given ARN.
func (ix *Index) PolicyDocument(owner, arn string) (*policy.Document, error) {
	p, err := ix.Policy(owner, arn)
	if err != nil {
		return nil, err
	}
	doc, ok := p.DefaultDocument()
	if !ok {
		return nil, &InconsistentError{Kind: "policy version", Ref: arn, Owner: owner}
	}
	return doc, nil
}

// Group returns the group with the given name.
func (ix *Index) Group(owner, name string) (*Group, error) {
	g, ok := ix.groups[name]
	if !ok {
		return nil, &InconsistentError{Kind: "group", Ref: name, Owner: owner}
	}
	return g, nil
}

// Credentials returns the credential-report row for a user.
func (ix *Index) Credentials(userName string) (*Credentials, error) {
	c, ok := ix.credentials[userName]
	if !ok {
		return nil, &InconsistentError{Kind: "credentials", Ref: userName, Owner: "credential report"}
	}
	return c, nil
}

// User returns the user with the given name.
func (ix *Index) User(name string) (*User, bool) {
	u, ok := ix.users[name]
	return u, ok
}

// Role returns the role with the given name.
func (ix *Index) Role(name string) (*Role, bool) {
	r, ok := ix.roles[name]
	return r, ok
}

// InlineDocument returns an inline policy's document labelled with its owner.
func InlineDocument(owner string, p *InlinePolicy) *policy.Document {
	doc := p.PolicyDocument
	doc.Source = owner + "/" + p.PolicyName
	return &doc
}
