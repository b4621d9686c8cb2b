package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/0xKirisame/hokori/internal/policy"
	"github.com/0xKirisame/hokori/internal/recency"
)

// Snapshot is a point-in-time copy of an account's IAM configuration.
// Field names follow the IAM API's GetAccountAuthorizationDetails shapes.
type Snapshot struct {
	AccountID        string          `json:"AccountId,omitempty"`
	IdentityArn      string          `json:"IdentityArn,omitempty"`
	CapturedAt       time.Time       `json:"CapturedAt"`
	Users            []User          `json:"Users"`
	Roles            []Role          `json:"Roles"`
	Groups           []Group         `json:"Groups"`
	Policies         []ManagedPolicy `json:"Policies"`
	CredentialReport []Credentials   `json:"CredentialReport"`
}

// ServiceAccess is one service-last-accessed entry, pre-filtered to services
// with at least one authenticated use.
type ServiceAccess struct {
	ServiceNamespace string `json:"ServiceNamespace"`
	LastAccessed     string `json:"LastAccessed"`
}

// AttachedPolicy references a managed policy attached to a principal.
type AttachedPolicy struct {
	PolicyName string `json:"PolicyName"`
	PolicyArn  string `json:"PolicyArn"`
}

// InlinePolicy is a policy embedded in a user, role or group.
type InlinePolicy struct {
	PolicyName     string          `json:"PolicyName"`
	PolicyDocument policy.Document `json:"PolicyDocument"`
}

// User is an IAM user.
type User struct {
	UserName                string           `json:"UserName"`
	UserID                  string           `json:"UserId,omitempty"`
	Arn                     string           `json:"Arn"`
	Path                    string           `json:"Path,omitempty"`
	AttachedManagedPolicies []AttachedPolicy `json:"AttachedManagedPolicies"`
	UserPolicyList          []InlinePolicy   `json:"UserPolicyList,omitempty"`
	GroupList               []string         `json:"GroupList"`
	LoginProfileExists      bool             `json:"LoginProfileExists"`
	// LastAccessed is nil when the principal was never scanned, and empty when
	// it was scanned and nothing was found.
	LastAccessed []ServiceAccess `json:"LastAccessed"`

	// LastUsedDays is derived by the unused-entity detector.
	LastUsedDays recency.Days `json:"-"`
}

// Role is an IAM role.
type Role struct {
	RoleName                string           `json:"RoleName"`
	RoleID                  string           `json:"RoleId,omitempty"`
	Arn                     string           `json:"Arn"`
	Path                    string           `json:"Path,omitempty"`
	Description             string           `json:"Description,omitempty"`
	AttachedManagedPolicies []AttachedPolicy `json:"AttachedManagedPolicies"`
	RolePolicyList          []InlinePolicy   `json:"RolePolicyList,omitempty"`
	LastAccessed            []ServiceAccess  `json:"LastAccessed"`

	LastUsedDays recency.Days `json:"-"`
}

// Group is an IAM group.
type Group struct {
	GroupName               string           `json:"GroupName"`
	GroupID                 string           `json:"GroupId,omitempty"`
	Arn                     string           `json:"Arn"`
	Path                    string           `json:"Path,omitempty"`
	AttachedManagedPolicies []AttachedPolicy `json:"AttachedManagedPolicies"`
	GroupPolicyList         []InlinePolicy   `json:"GroupPolicyList"`
}

// PolicyVersion is one stored version of a managed policy.
type PolicyVersion struct {
	VersionID        string          `json:"VersionId"`
	IsDefaultVersion bool            `json:"IsDefaultVersion"`
	Document         policy.Document `json:"Document"`
}

// ManagedPolicy is a customer- or AWS-managed policy.
type ManagedPolicy struct {
	PolicyName                    string          `json:"PolicyName"`
	PolicyID                      string          `json:"PolicyId,omitempty"`
	Arn                           string          `json:"Arn"`
	Path                          string          `json:"Path,omitempty"`
	Description                   string          `json:"Description,omitempty"`
	DefaultVersionID              string          `json:"DefaultVersionId,omitempty"`
	AttachmentCount               int             `json:"AttachmentCount"`
	PermissionsBoundaryUsageCount int             `json:"PermissionsBoundaryUsageCount"`
	IsAttachable                  bool            `json:"IsAttachable"`
	PolicyVersionList             []PolicyVersion `json:"PolicyVersionList"`
}

// Credentials is one row of the IAM credential report. Report cells holding
// "N/A" are stored as empty strings.
type Credentials struct {
	User               string `json:"user"`
	Arn                string `json:"arn,omitempty"`
	PasswordEnabled    Flag   `json:"password_enabled"`
	PasswordLastUsed   string `json:"password_last_used,omitempty"`
	MFAActive          Flag   `json:"mfa_active"`
	AccessKey1Active   Flag   `json:"access_key_1_active"`
	AccessKey1LastUsed string `json:"access_key_1_last_used_date,omitempty"`
	AccessKey2Active   Flag   `json:"access_key_2_active"`
	AccessKey2LastUsed string `json:"access_key_2_last_used_date,omitempty"`
}

// Flag is a credential-report boolean. It decodes from JSON booleans and from
// the report's "true"/"false" strings; anything else is false.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	*f = Flag(strings.EqualFold(s, "true"))
	return nil
}

// Scanned reports whether service-last-accessed data was collected for the user.
func (u *User) Scanned() bool { return u.LastAccessed != nil }

// Scanned reports whether service-last-accessed data was collected for the role.
func (r *Role) Scanned() bool { return r.LastAccessed != nil }

// AWSManaged reports whether the policy is owned by AWS rather than the account.
func (p *ManagedPolicy) AWSManaged() bool {
	parts := strings.SplitN(p.Arn, ":", 6)
	return len(parts) == 6 && parts[4] == "aws"
}

// DefaultDocument returns the document of the default policy version.
func (p *ManagedPolicy) DefaultDocument() (*policy.Document, bool) {
	for i := range p.PolicyVersionList {
		v := &p.PolicyVersionList[i]
		if v.IsDefaultVersion || (p.DefaultVersionID != "" && v.VersionID == p.DefaultVersionID) {
			doc := v.Document
			doc.Source = p.Arn
			return &doc, true
		}
	}
	return nil, false
}

// RecentServices returns the service namespaces in entries last accessed
// fewer than threshold days ago.
func RecentServices(entries []ServiceAccess, r recency.Resolver, threshold int) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		days, err := r.DaysSince(e.LastAccessed)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", e.ServiceNamespace, err)
		}
		if !days.OlderThan(threshold) {
			out = append(out, strings.ToLower(e.ServiceNamespace))
		}
	}
	return out, nil
}

// rawSnapshot accepts both the snapshot field names and the Account* names
// used by older cache files.
type rawSnapshot struct {
	AccountID        string          `json:"AccountId"`
	IdentityArn      string          `json:"IdentityArn"`
	CapturedAt       time.Time       `json:"CapturedAt"`
	Users            []User          `json:"Users"`
	Roles            []Role          `json:"Roles"`
	Groups           []Group         `json:"Groups"`
	Policies         []ManagedPolicy `json:"Policies"`
	CredentialReport []Credentials   `json:"CredentialReport"`
	AccountUsers     []User          `json:"AccountUsers"`
	AccountRoles     []Role          `json:"AccountRoles"`
	AccountGroups    []Group         `json:"AccountGroups"`
	AccountPolicies  []ManagedPolicy `json:"AccountPolicies"`
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Snapshot{
		AccountID:        raw.AccountID,
		IdentityArn:      raw.IdentityArn,
		CapturedAt:       raw.CapturedAt,
		Users:            firstNonNil(raw.Users, raw.AccountUsers),
		Roles:            firstNonNil(raw.Roles, raw.AccountRoles),
		Groups:           firstNonNil(raw.Groups, raw.AccountGroups),
		Policies:         firstNonNil(raw.Policies, raw.AccountPolicies),
		CredentialReport: raw.CredentialReport,
	}
	return nil
}

func firstNonNil[T any](a, b []T) []T {
	if a != nil {
		return a
	}
	return b
}
