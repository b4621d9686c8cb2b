package generator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/0xKirisame/hokori/internal/analysis"
	"github.com/0xKirisame/hokori/internal/storage"
)

// TableGenerator renders a report as plain-text tables, one per non-empty
// section.
type TableGenerator struct{}

// Generate writes the tables to w.
func (g *TableGenerator) Generate(r *analysis.Report, w io.Writer) error {
	fmt.Fprintf(w, "Account %s, generated %s, threshold %d days\n",
		orDash(r.AccountID), r.GeneratedAt.UTC().Format(time.RFC3339), r.ThresholdDays)

	c := r.Classification
	if c != nil {
		t := newTable(w, "Least-privilege tiers", table.Row{"Tier", "Users"})
		t.AppendRow(table.Row{"Admin", strings.Join(c.Admins, "\n")})
		t.AppendRow(table.Row{"PowerUser", strings.Join(c.Powerusers.Users, "\n")})
		t.AppendRow(table.Row{"ReadOnly", strings.Join(c.ReadOnly, "\n")})
		t.AppendRow(table.Row{"Unchanged", strings.Join(c.UnchangedUsers, "\n")})
		t.Render()

		if len(c.PolicyUsage) > 0 {
			t := newTable(w, "PowerUser policies", table.Row{"Policy", "Users", "Recommended"})
			recommended := make(map[string]bool, len(c.Powerusers.Policies))
			for _, arn := range c.Powerusers.Policies {
				recommended[arn] = true
			}
			for _, p := range c.PolicyUsage {
				t.AppendRow(table.Row{p.PolicyArn, p.Users, yesNo(recommended[p.PolicyArn])})
			}
			t.Render()
		}

		if len(c.Detachments) > 0 {
			t := newTable(w, "Detachments", table.Row{"User", "Entity Type", "Entity"})
			for _, d := range c.Detachments {
				t.AppendRow(table.Row{d.UserName, d.EntityType, d.EntityID})
			}
			t.Render()
		}
	}

	u := r.Unused
	if u != nil {
		if len(u.Users) > 0 {
			t := newTable(w, "Unused users", table.Row{"User", "Last Used (days)", "ARN"})
			for _, x := range u.Users {
				t.AppendRow(table.Row{x.UserName, x.LastUsedDays.String(), x.Arn})
			}
			t.Render()
		}
		if len(u.Roles) > 0 {
			t := newTable(w, "Unused roles", table.Row{"Role", "Last Used (days)", "ARN"})
			for _, x := range u.Roles {
				t.AppendRow(table.Row{x.RoleName, x.LastUsedDays.String(), x.Arn})
			}
			t.Render()
		}
		if len(u.AccessKeys) > 0 {
			t := newTable(w, "Unused active access keys", table.Row{"User", "Key", "Last Used (days)"})
			for _, x := range u.AccessKeys {
				t.AppendRow(table.Row{x.User, x.AccessKey, x.DaysSinceLastUse.String()})
			}
			t.Render()
		}
		if len(u.LoginProfiles) > 0 {
			t := newTable(w, "Unused console logins", table.Row{"User", "MFA", "Last Used (days)"})
			for _, x := range u.LoginProfiles {
				t.AppendRow(table.Row{x.User, yesNo(x.MFAEnabled), x.DaysSinceLastUse.String()})
			}
			t.Render()
		}
		if len(u.Policies) > 0 {
			t := newTable(w, "Unattached policies", table.Row{"Policy", "ARN"})
			for _, x := range u.Policies {
				t.AppendRow(table.Row{x.PolicyName, x.Arn})
			}
			t.Render()
		}
		if len(u.Groups) > 0 {
			t := newTable(w, "Redundant groups", table.Row{"Group", "Reasons"})
			for _, x := range u.Groups {
				reasons := make([]string, len(x.Reasons))
				for i, reason := range x.Reasons {
					reasons[i] = string(reason)
				}
				t.AppendRow(table.Row{x.GroupName, strings.Join(reasons, ", ")})
			}
			t.Render()
		}
		if len(u.PolicyAttachments) > 0 {
			t := newTable(w, "Unused policy attachments", table.Row{"Principal", "Type", "Policy", "Kind"})
			for _, x := range u.PolicyAttachments {
				kind := "managed"
				if x.Inline() {
					kind = "inline"
				}
				t.AppendRow(table.Row{x.Principal, x.PrincipalKind, x.PolicyName, kind})
			}
			t.Render()
		}
	}

	if len(r.Warnings) > 0 {
		t := newTable(w, "Warnings", table.Row{"Kind", "Subject", "Message"})
		for _, x := range r.Warnings {
			t.AppendRow(table.Row{x.Kind, x.Subject, x.Message})
		}
		t.Render()
	}
	return nil
}

// RenderHistory writes a table of stored analysis runs to w.
func RenderHistory(w io.Writer, runs []storage.AnalysisSummary) {
	t := newTable(w, "Analysis history",
		table.Row{"Date", "Account", "Threshold", "Unused", "Admin", "PowerUser", "ReadOnly", "Warnings"})
	for _, s := range runs {
		t.AppendRow(table.Row{
			s.AnalysisDate.UTC().Format(time.RFC3339), orDash(s.AccountID), s.ThresholdDays,
			s.UnusedCount, s.Admins, s.Powerusers, s.ReadOnly, s.Warnings,
		})
	}
	t.Render()
}

func newTable(w io.Writer, title string, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.AppendHeader(header)
	t.SetStyle(table.StyleLight)
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
