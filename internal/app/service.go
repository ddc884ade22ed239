// Package app wires the journal's services behind the HTTP surface: note
// CRUD with visibility checks, the shared permission and note caches, block
// text saves, and the admin user endpoints.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"partyjournal/api/internal/config"
	"partyjournal/api/internal/docstore"
	"partyjournal/api/internal/editor"
	"partyjournal/api/internal/notes"
	"partyjournal/api/internal/notescache"
	"partyjournal/api/internal/perm"
	"partyjournal/api/internal/permcache"
	"partyjournal/api/internal/rbac"
	"partyjournal/api/internal/search"
)

// Pinger lets the readiness endpoint check the backing store. The in-memory
// store has nothing to ping and does not implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     docstore.Store
	notes     *notes.Service
	perms     *perm.Service
	permCache *permcache.Cache
	noteCache *notescache.Cache
	searcher  *search.Service
}

func NewService(
	cfg config.Config,
	store docstore.Store,
	notesSvc *notes.Service,
	permsSvc *perm.Service,
	permCache *permcache.Cache,
	noteCache *notescache.Cache,
	searcher *search.Service,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		notes:     notesSvc,
		perms:     permsSvc,
		permCache: permCache,
		noteCache: noteCache,
		searcher:  searcher,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if pinger, ok := s.store.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Caller is the resolved identity of a request.
type Caller struct {
	Email string
	permcache.Result
}

// ResolveCaller turns a bearer email into a permission bundle via the shared
// cache. The one-shot subscribe waits for the resolved entry, not the loading
// placeholder.
func (s *Service) ResolveCaller(ctx context.Context, email string) (Caller, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Caller{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign-in required", nil)
	}

	entries := make(chan permcache.Entry, 2)
	unsub := s.permCache.Subscribe(email, func(e permcache.Entry) {
		select {
		case entries <- e:
		default:
		}
	})
	defer unsub()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return Caller{}, ctx.Err()
		case <-deadline:
			return Caller{}, domainError(http.StatusGatewayTimeout, "PERMISSIONS_TIMEOUT", "Permission lookup timed out", nil)
		case entry := <-entries:
			if entry.Loading {
				continue
			}
			return Caller{Email: email, Result: entry.Result}, nil
		}
	}
}

func (c Caller) role() rbac.Role {
	if c.Role == nil {
		return rbac.Role("")
	}
	return rbac.Role(*c.Role)
}

func (s *Service) requireAllowed(caller Caller) error {
	if !caller.IsAllowed {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, email string) error {
	isAdmin, err := s.perms.IsAdmin(ctx, email)
	if err != nil {
		return err
	}
	if !isAdmin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Admin access required", nil)
	}
	return nil
}

// readableNote loads the note and checks the caller can read it.
func (s *Service) readableNote(ctx context.Context, caller Caller, noteID string) (*notes.Note, error) {
	note, err := s.notes.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note == nil || note.Deleted {
		return nil, errNoteNotFound()
	}
	if !notes.CanRead(note, caller.Email, caller.role()) {
		// Hidden notes are reported as missing, not forbidden.
		return nil, errNoteNotFound()
	}
	return note, nil
}

// editableNote loads the note and checks the caller can edit it.
func (s *Service) editableNote(ctx context.Context, caller Caller, noteID string) (*notes.Note, error) {
	note, err := s.readableNote(ctx, caller, noteID)
	if err != nil {
		return nil, err
	}
	if !notes.CanEdit(note, caller.Email, caller.role()) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Edit access required", nil)
	}
	return note, nil
}

// visibleInfos filters the cached summaries down to what the caller may see.
func (s *Service) visibleInfos(caller Caller) []notes.NoteInfo {
	all := s.noteCache.GetAllNotes()
	out := make([]notes.NoteInfo, 0, len(all))
	for _, info := range all {
		probe := notes.Note{CreatedBy: info.CreatedBy, Visibility: info.Visibility}
		if notes.CanRead(&probe, caller.Email, caller.role()) {
			out = append(out, info)
		}
	}
	return out
}

// CreateNoteInput is the request body for note creation.
type CreateNoteInput struct {
	Title       string         `json:"title"`
	Visibility  string         `json:"visibility"`
	Tags        []string       `json:"tags"`
	Links       []string       `json:"links"`
	Template    string         `json:"template"`
	Metadata    map[string]any `json:"metadata"`
	ParentID    *string        `json:"parentId"`
	NoteType    string         `json:"noteType"`
	InitialText string         `json:"initialText"`
}

func (s *Service) CreateNote(ctx context.Context, caller Caller, in CreateNoteInput) (string, error) {
	if !caller.CanEdit {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Edit access required", nil)
	}
	if strings.TrimSpace(in.Title) == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if in.Visibility != "" {
		if parsed := notes.ParseVisibility(in.Visibility); parsed.Kind == notes.VisUnknown {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown visibility", nil)
		}
	}
	if in.NoteType != "" && in.NoteType != notes.TypeNote && in.NoteType != notes.TypeFolder {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown noteType", nil)
	}

	id, err := s.notes.CreateNoteWithBlock(ctx, notes.NewNote{
		Title:      in.Title,
		CreatedBy:  caller.Email,
		Visibility: in.Visibility,
		Tags:       in.Tags,
		Links:      in.Links,
		Template:   in.Template,
		Metadata:   in.Metadata,
		ParentID:   in.ParentID,
		NoteType:   in.NoteType,
	}, in.InitialText)
	if err != nil {
		return "", err
	}
	s.indexNote(ctx, id)
	return id, nil
}

// UpdateNoteInput carries a partial note patch; nil pointers leave fields
// untouched.
type UpdateNoteInput struct {
	Title      *string        `json:"title"`
	Visibility *string        `json:"visibility"`
	Tags       []string       `json:"tags"`
	Links      []string       `json:"links"`
	AdminNotes *string        `json:"adminNotes"`
	Metadata   map[string]any `json:"metadata"`
	ParentID   *string        `json:"parentId"`
	HasParent  bool           `json:"-"`
}

func (s *Service) UpdateNote(ctx context.Context, caller Caller, noteID string, in UpdateNoteInput) error {
	if _, err := s.editableNote(ctx, caller, noteID); err != nil {
		return err
	}

	updates := map[string]any{}
	if in.Title != nil {
		if strings.TrimSpace(*in.Title) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title cannot be empty", nil)
		}
		updates["title"] = *in.Title
	}
	if in.Visibility != nil {
		if parsed := notes.ParseVisibility(*in.Visibility); parsed.Kind == notes.VisUnknown {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown visibility", nil)
		}
		updates["visibility"] = *in.Visibility
	}
	if in.Tags != nil {
		updates["tags"] = in.Tags
	}
	if in.Links != nil {
		updates["links"] = in.Links
	}
	if in.AdminNotes != nil {
		updates["adminNotes"] = *in.AdminNotes
	}
	if in.Metadata != nil {
		updates["metadata"] = in.Metadata
	}
	if in.HasParent {
		if in.ParentID != nil {
			parents := notes.ParentMap(s.noteCache.GetAllNotes())
			if notes.IsInvalidDrop(parents, noteID, *in.ParentID) {
				return domainError(http.StatusUnprocessableEntity, "INVALID_MOVE", "Cannot move a note under itself or its descendant", nil)
			}
			updates["parentId"] = *in.ParentID
		} else {
			updates["parentId"] = nil
		}
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.notes.UpdateNote(ctx, noteID, updates); err != nil {
		return err
	}
	s.indexNote(ctx, noteID)
	return nil
}

func (s *Service) GetNote(ctx context.Context, caller Caller, noteID string) (*notes.Note, error) {
	return s.readableNote(ctx, caller, noteID)
}

func (s *Service) ListNotes(ctx context.Context, caller Caller) ([]notes.NoteInfo, error) {
	if err := s.requireAllowed(caller); err != nil {
		return nil, err
	}
	return s.visibleInfos(caller), nil
}

// NoteTree builds the caller's visible forest, optionally filtered by a
// title substring.
func (s *Service) NoteTree(ctx context.Context, caller Caller, query string) ([]*notes.TreeNode, error) {
	if err := s.requireAllowed(caller); err != nil {
		return nil, err
	}
	forest := notes.BuildTree(s.visibleInfos(caller))
	return notes.FilterTree(forest, query), nil
}

func (s *Service) LookupNoteByTitle(ctx context.Context, caller Caller, title string) (string, error) {
	if err := s.requireAllowed(caller); err != nil {
		return "", err
	}
	if strings.TrimSpace(title) == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	id, err := s.notes.GetNoteIDByTitleCI(ctx, title)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errNoteNotFound()
	}
	// The lookup itself ignores visibility; gate the result.
	if _, err := s.readableNote(ctx, caller, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) DeleteNote(ctx context.Context, caller Caller, noteID string) error {
	if _, err := s.editableNote(ctx, caller, noteID); err != nil {
		return err
	}
	if err := s.notes.SoftDeleteCascade(ctx, noteID); err != nil {
		return err
	}
	s.searcher.DeleteNote(noteID)
	return nil
}

func (s *Service) RestoreNote(ctx context.Context, caller Caller, noteID string) error {
	if !caller.CanEdit {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Edit access required", nil)
	}
	note, err := s.notes.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	if note == nil {
		return errNoteNotFound()
	}
	if err := s.notes.RestoreCascade(ctx, noteID); err != nil {
		return err
	}
	s.indexNote(ctx, noteID)
	return nil
}

func (s *Service) ListBlocks(ctx context.Context, caller Caller, noteID string) ([]notes.Block, error) {
	if _, err := s.readableNote(ctx, caller, noteID); err != nil {
		return nil, err
	}
	return s.notes.ListBlocks(ctx, noteID)
}

// SaveText reconciles a full text buffer against the note's blocks in one
// synchronous pass and returns the resulting block list.
func (s *Service) SaveText(ctx context.Context, caller Caller, noteID, text string) ([]notes.Block, error) {
	if _, err := s.editableNote(ctx, caller, noteID); err != nil {
		return nil, err
	}
	blocks, err := s.notes.ListBlocks(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := editor.Reconcile(ctx, s.notes, noteID, caller.Email, text, blocks); err != nil {
		return nil, err
	}
	s.indexNote(ctx, noteID)
	return s.notes.ListBlocks(ctx, noteID)
}

// Permissions resolves the caller's own bundle; the endpoint behind it powers
// client-side gating, so unknown users get a denied bundle rather than an
// error.
func (s *Service) Permissions(ctx context.Context, email string) (permcache.Result, error) {
	caller, err := s.ResolveCaller(ctx, email)
	if err != nil {
		return permcache.Denied(), err
	}
	return caller.Result, nil
}

func (s *Service) ListUsers(ctx context.Context, adminEmail string) ([]perm.Record, error) {
	if err := s.requireAdmin(ctx, adminEmail); err != nil {
		return nil, err
	}
	return s.perms.List(ctx)
}

func (s *Service) UpsertUser(ctx context.Context, adminEmail, email, role string) error {
	if err := s.requireAdmin(ctx, adminEmail); err != nil {
		return err
	}
	if err := s.perms.Upsert(ctx, email, role, adminEmail); err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	s.permCache.InvalidateUser(strings.ToLower(strings.TrimSpace(email)))
	return nil
}

func (s *Service) RemoveUser(ctx context.Context, adminEmail, email string) error {
	if err := s.requireAdmin(ctx, adminEmail); err != nil {
		return err
	}
	if err := s.perms.Remove(ctx, email); err != nil {
		return err
	}
	s.permCache.InvalidateUser(strings.ToLower(strings.TrimSpace(email)))
	return nil
}

func (s *Service) Search(ctx context.Context, caller Caller, q search.Query) (search.Response, error) {
	if err := s.requireAllowed(caller); err != nil {
		return search.Response{}, err
	}
	resp := s.searcher.Search(q)
	// Filter hits the caller cannot read.
	filtered := make([]search.Result, 0, len(resp.Results))
	for _, hit := range resp.Results {
		probe := notes.Note{CreatedBy: hit.CreatedBy, Visibility: hit.Visibility}
		if hit.Visibility == "" || notes.CanRead(&probe, caller.Email, caller.role()) {
			filtered = append(filtered, hit)
		}
	}
	resp.Results = filtered
	resp.Total = len(filtered)
	return resp, nil
}

// SubscribeNoteList attaches fn to the shared note mirror, pre-filtered per
// caller. Used by the watch socket.
func (s *Service) SubscribeNoteList(caller Caller, fn func([]notes.NoteInfo)) func() {
	role := caller.role()
	return s.noteCache.Subscribe(func(all []notes.NoteInfo) {
		visible := make([]notes.NoteInfo, 0, len(all))
		for _, info := range all {
			probe := notes.Note{CreatedBy: info.CreatedBy, Visibility: info.Visibility}
			if notes.CanRead(&probe, caller.Email, role) {
				visible = append(visible, info)
			}
		}
		fn(visible)
	})
}

// indexNote pushes the note's current state into the search index,
// fire-and-forget via the search service.
func (s *Service) indexNote(ctx context.Context, noteID string) {
	note, err := s.notes.GetNote(ctx, noteID)
	if err != nil || note == nil || note.Deleted {
		return
	}
	blocks, err := s.notes.ListBlocks(ctx, noteID)
	if err != nil {
		return
	}
	s.searcher.IndexNote(search.NoteRecord{
		ID:         note.ID,
		Title:      note.Title,
		Content:    editor.JoinBlocks(blocks),
		Tags:       note.Tags,
		Visibility: note.Visibility,
		CreatedBy:  note.CreatedBy,
	})
}
