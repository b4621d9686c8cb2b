package snapshot

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Decode reads a JSON snapshot and validates its required fields.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and validates a JSON snapshot file.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Validate checks that the required collections are present and that every
// entity carries its identifying fields.
func (s *Snapshot) Validate() error {
	var errs []error
	if s.Users == nil {
		errs = append(errs, errors.New("missing Users collection"))
	}
	if s.Roles == nil {
		errs = append(errs, errors.New("missing Roles collection"))
	}
	if s.Groups == nil {
		errs = append(errs, errors.New("missing Groups collection"))
	}
	if s.Policies == nil {
		errs = append(errs, errors.New("missing Policies collection"))
	}
	if s.CredentialReport == nil {
		errs = append(errs, errors.New("missing CredentialReport collection"))
	}
	for i, u := range s.Users {
		if u.UserName == "" {
			errs = append(errs, fmt.Errorf("user %d has no UserName", i))
		}
	}
	for i, r := range s.Roles {
		if r.RoleName == "" {
			errs = append(errs, fmt.Errorf("role %d has no RoleName", i))
		}
	}
	for i, g := range s.Groups {
		if g.GroupName == "" {
			errs = append(errs, fmt.Errorf("group %d has no GroupName", i))
		}
	}
	for i, p := range s.Policies {
		if p.Arn == "" {
			errs = append(errs, fmt.Errorf("policy %d has no Arn", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid snapshot: %w", errors.Join(errs...))
	}
	return nil
}

// ParseCredentialReport converts the CSV credential report returned by the
// IAM API into typed rows. "N/A" cells are dropped.
func ParseCredentialReport(r io.Reader) ([]Credentials, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return []Credentials{}, nil
		}
		return nil, fmt.Errorf("reading credential report header: %w", err)
	}

	rows := []Credentials{}
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading credential report: %w", err)
		}

		cells := make(map[string]string, len(header))
		for i, value := range record {
			if i >= len(header) || value == "N/A" {
				continue
			}
			cells[strings.TrimSpace(header[i])] = value
		}
		if cells["user"] == "" {
			continue
		}

		rows = append(rows, Credentials{
			User:               cells["user"],
			Arn:                cells["arn"],
			PasswordEnabled:    Flag(cells["password_enabled"] == "true"),
			PasswordLastUsed:   cells["password_last_used"],
			MFAActive:          Flag(cells["mfa_active"] == "true"),
			AccessKey1Active:   Flag(cells["access_key_1_active"] == "true"),
			AccessKey1LastUsed: cells["access_key_1_last_used_date"],
			AccessKey2Active:   Flag(cells["access_key_2_active"] == "true"),
			AccessKey2LastUsed: cells["access_key_2_last_used_date"],
		})
	}
	return rows, nil
}
