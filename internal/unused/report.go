package unused

import (
	"sort"

	"github.com/0xKirisame/hokori/internal/recency"
)

// PrincipalKind names the type of principal owning a policy attachment.
type PrincipalKind string

const (
	PrincipalUser  PrincipalKind = "User"
	PrincipalRole  PrincipalKind = "Role"
	PrincipalGroup PrincipalKind = "Group"
)

// GroupReason explains why a group is redundant.
type GroupReason string

const (
	ReasonNoActiveMembers GroupReason = "no_active_members"
	ReasonNoPolicies      GroupReason = "no_policies"
)

// User is an IAM user with no authentication within the threshold.
type User struct {
	UserName     string       `json:"UserName"     yaml:"user_name"`
	Arn          string       `json:"Arn"          yaml:"arn"`
	LastUsedDays recency.Days `json:"LastUsedDays" yaml:"last_used_days"`
}

// Role is an IAM role with no service access within the threshold.
type Role struct {
	RoleName     string       `json:"RoleName"     yaml:"role_name"`
	Arn          string       `json:"Arn"          yaml:"arn"`
	LastUsedDays recency.Days `json:"LastUsedDays" yaml:"last_used_days"`
}

// AccessKey is an active access key that has not been used within the threshold.
type AccessKey struct {
	User             string       `json:"User"             yaml:"user"`
	AccessKey        string       `json:"AccessKey"        yaml:"access_key"`
	DaysSinceLastUse recency.Days `json:"DaysSinceLastUse" yaml:"days_since_last_use"`
}

// LoginProfile is an enabled console password that has not been used within the threshold.
type LoginProfile struct {
	User             string       `json:"User"             yaml:"user"`
	MFAEnabled       bool         `json:"MFAEnabled"       yaml:"mfa_enabled"`
	DaysSinceLastUse recency.Days `json:"DaysSinceLastUse" yaml:"days_since_last_use"`
}

// Policy is a customer-managed policy attached to nothing.
type Policy struct {
	PolicyName string `json:"PolicyName" yaml:"policy_name"`
	Arn        string `json:"Arn"        yaml:"arn"`
}

// Group is a redundant group with the reasons it was flagged.
type Group struct {
	GroupName string        `json:"GroupName" yaml:"group_name"`
	Arn       string        `json:"Arn"       yaml:"arn"`
	Reasons   []GroupReason `json:"Reasons"   yaml:"reasons"`
}

// Attachment is a policy attached to a principal whose grants are not in use.
// PolicyArn is empty for inline policies.
type Attachment struct {
	PrincipalKind PrincipalKind `json:"PrincipalKind"       yaml:"principal_kind"`
	Principal     string        `json:"Principal"           yaml:"principal"`
	PolicyName    string        `json:"PolicyName"          yaml:"policy_name"`
	PolicyArn     string        `json:"PolicyArn,omitempty" yaml:"policy_arn,omitempty"`
}

// Ref returns the policy reference: the ARN for managed policies, the name for inline ones.
func (a Attachment) Ref() string {
	if a.PolicyArn != "" {
		return a.PolicyArn
	}
	return a.PolicyName
}

// Inline reports whether the attachment refers to an inline policy.
func (a Attachment) Inline() bool { return a.PolicyArn == "" }

// Report is the unused-entity report for one snapshot.
type Report struct {
	Users             []User         `json:"Users"                      yaml:"users"`
	Roles             []Role         `json:"Roles"                      yaml:"roles"`
	AccessKeys        []AccessKey    `json:"UnusedActiveAccessKeys"     yaml:"unused_active_access_keys"`
	LoginProfiles     []LoginProfile `json:"UnusedConsoleLoginProfiles" yaml:"unused_console_login_profiles"`
	Policies          []Policy       `json:"Policies"                   yaml:"policies"`
	Groups            []Group        `json:"Groups"                     yaml:"groups"`
	PolicyAttachments []Attachment   `json:"PolicyAttachments"          yaml:"policy_attachments"`
}

// Total returns the number of findings across every collection.
func (r *Report) Total() int {
	return len(r.Users) + len(r.Roles) + len(r.AccessKeys) + len(r.LoginProfiles) +
		len(r.Policies) + len(r.Groups) + len(r.PolicyAttachments)
}

// HasUser reports whether the named user is reported unused.
func (r *Report) HasUser(name string) bool {
	for _, u := range r.Users {
		if u.UserName == name {
			return true
		}
	}
	return false
}

func (r *Report) sort() {
	sort.Slice(r.Users, func(i, j int) bool { return r.Users[i].UserName < r.Users[j].UserName })
	sort.Slice(r.Roles, func(i, j int) bool { return r.Roles[i].RoleName < r.Roles[j].RoleName })
	sort.Slice(r.AccessKeys, func(i, j int) bool {
		if r.AccessKeys[i].User != r.AccessKeys[j].User {
			return r.AccessKeys[i].User < r.AccessKeys[j].User
		}
		return r.AccessKeys[i].AccessKey < r.AccessKeys[j].AccessKey
	})
	sort.Slice(r.LoginProfiles, func(i, j int) bool { return r.LoginProfiles[i].User < r.LoginProfiles[j].User })
	sort.Slice(r.Policies, func(i, j int) bool { return r.Policies[i].Arn < r.Policies[j].Arn })
	sort.Slice(r.Groups, func(i, j int) bool { return r.Groups[i].GroupName < r.Groups[j].GroupName })
	sort.Slice(r.PolicyAttachments, func(i, j int) bool {
		a, b := r.PolicyAttachments[i], r.PolicyAttachments[j]
		if a.PrincipalKind != b.PrincipalKind {
			return a.PrincipalKind < b.PrincipalKind
		}
		if a.Principal != b.Principal {
			return a.Principal < b.Principal
		}
		if a.Ref() != b.Ref() {
			return a.Ref() < b.Ref()
		}
		return a.PolicyName < b.PolicyName
	})
}
