// Package perm stores per-user permission records and resolves them into the
// bundles the permission cache hands out.
package perm

import (
	"context"
	"fmt"
	"strings"

	"partyjournal/api/internal/docstore"
	"partyjournal/api/internal/permcache"
	"partyjournal/api/internal/rbac"
)

// Collection holds one document per user, keyed by the sanitized email.
const Collection = "userPermissions"

// Record is one stored user permission.
type Record struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	AddedBy string `json:"addedBy,omitempty"`
}

// Service resolves emails to permission bundles. A user is allowed when they
// hold a record or appear on the static allow-list; the dev admin email, when
// configured, is always an admin.
type Service struct {
	store         docstore.Store
	allowedUsers  map[string]string
	devAdminEmail string
}

// NewService builds the resolver. allowedUsers entries are "email" or
// "email:role"; a missing or unknown role falls back to viewer.
func NewService(store docstore.Store, allowedUsers []string, devAdminEmail string) *Service {
	allowed := make(map[string]string, len(allowedUsers))
	for _, entry := range allowedUsers {
		email, role, _ := strings.Cut(entry, ":")
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		role = strings.TrimSpace(role)
		if !rbac.Valid(role) {
			role = string(rbac.RoleViewer)
		}
		allowed[email] = role
	}
	return &Service{
		store:         store,
		allowedUsers:  allowed,
		devAdminEmail: strings.ToLower(strings.TrimSpace(devAdminEmail)),
	}
}

// emailToDocID turns an email into a stable document ID. The characters
// replaced are the ones document paths cannot carry.
func emailToDocID(email string) string {
	id := strings.ToLower(strings.TrimSpace(email))
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '#', '$', '[', ']':
			return '_'
		}
		return r
	}, id)
}

// Lookup returns the stored record for email, or nil if none exists.
func (s *Service) Lookup(ctx context.Context, email string) (*Record, error) {
	doc, err := s.store.Get(ctx, docstore.DocPath(Collection, emailToDocID(email)))
	if err != nil {
		return nil, fmt.Errorf("lookup permission record: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return recordFromDoc(doc), nil
}

// Upsert writes the record for email, overwriting any existing role. The role
// must be one of the known roles.
func (s *Service) Upsert(ctx context.Context, email, role, addedBy string) error {
	if !rbac.Valid(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return fmt.Errorf("email is required")
	}

	fields := map[string]any{
		"email":   email,
		"role":    role,
		"addedBy": addedBy,
		"addedAt": docstore.ServerTimestamp,
	}
	path := docstore.DocPath(Collection, emailToDocID(email))
	if err := s.store.Set(ctx, path, fields); err != nil {
		return fmt.Errorf("upsert permission record: %w", err)
	}
	return nil
}

// Remove deletes the record for email. Removing an absent record is a no-op.
func (s *Service) Remove(ctx context.Context, email string) error {
	if err := s.store.Delete(ctx, docstore.DocPath(Collection, emailToDocID(email))); err != nil {
		return fmt.Errorf("remove permission record: %w", err)
	}
	return nil
}

// List returns every stored record.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	docs, err := s.store.List(ctx, Collection)
	if err != nil {
		return nil, fmt.Errorf("list permission records: %w", err)
	}
	records := make([]Record, 0, len(docs))
	for i := range docs {
		if rec := recordFromDoc(&docs[i]); rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

// FetchPermissions resolves email to a bundle. Satisfies permcache.Fetcher.
func (s *Service) FetchPermissions(ctx context.Context, email string) (permcache.Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return permcache.Denied(), nil
	}

	if s.devAdminEmail != "" && email == s.devAdminEmail {
		role := string(rbac.RoleAdmin)
		return permcache.Result{IsAllowed: true, CanEdit: true, IsAdmin: true, Role: &role}, nil
	}

	rec, err := s.Lookup(ctx, email)
	if err != nil {
		return permcache.Denied(), err
	}
	if rec != nil {
		return bundleFor(rec.Role), nil
	}
	// Allow-listed users without a record get their declared role.
	if role, ok := s.allowedUsers[email]; ok {
		return bundleFor(role), nil
	}
	return permcache.Denied(), nil
}

func bundleFor(role string) permcache.Result {
	return permcache.Result{
		IsAllowed: true,
		CanEdit:   rbac.Can(rbac.Role(role), rbac.ActionWrite),
		IsAdmin:   rbac.Can(rbac.Role(role), rbac.ActionAdmin),
		Role:      &role,
	}
}

// IsAdmin reports whether email resolves to an admin bundle.
func (s *Service) IsAdmin(ctx context.Context, email string) (bool, error) {
	result, err := s.FetchPermissions(ctx, email)
	if err != nil {
		return false, err
	}
	return result.IsAdmin, nil
}

func recordFromDoc(doc *docstore.Document) *Record {
	email := doc.String("email")
	if email == "" {
		return nil
	}
	return &Record{
		Email:   email,
		Role:    doc.String("role"),
		AddedBy: doc.String("addedBy"),
	}
}
