package notes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"partyjournal/api/internal/docstore"
)

// Service wraps the document store with the journal's note and block
// operations.
type Service struct {
	store docstore.Store
}

func NewService(store docstore.Store) *Service {
	return &Service{store: store}
}

// BlocksCollection is the per-note collection path holding its line blocks.
func BlocksCollection(noteID string) string {
	return Collection + "/" + noteID + "/blocks"
}

// NewNote carries the caller-supplied fields of a note to create.
type NewNote struct {
	Title      string
	CreatedBy  string
	Visibility string
	Tags       []string
	Links      []string
	Template   string
	Metadata   map[string]any
	ParentID   *string
	NoteType   string
	AdminNotes string
}

// CreateNote inserts a note with derived titleLower and server timestamps.
func (s *Service) CreateNote(ctx context.Context, note NewNote) (string, error) {
	if note.NoteType == "" {
		note.NoteType = TypeNote
	}
	if note.Visibility == "" {
		note.Visibility = VisibilityParty
	}
	fields := map[string]any{
		"title":      note.Title,
		"titleLower": strings.ToLower(note.Title),
		"content":    "",
		"adminNotes": note.AdminNotes,
		"createdBy":  note.CreatedBy,
		"visibility": note.Visibility,
		"tags":       emptyIfNil(note.Tags),
		"links":      emptyIfNil(note.Links),
		"template":   note.Template,
		"metadata":   note.Metadata,
		"noteType":   note.NoteType,
		"deleted":    false,
		"createdAt":  docstore.ServerTimestamp,
		"updatedAt":  docstore.ServerTimestamp,
	}
	if note.ParentID != nil {
		fields["parentId"] = *note.ParentID
	} else {
		fields["parentId"] = nil
	}
	id, err := s.store.Create(ctx, Collection, fields)
	if err != nil {
		return "", fmt.Errorf("create note: %w", err)
	}
	return id, nil
}

// CreateNoteWithBlock creates a note and, when initialText is non-empty, its
// first line block at index 0.
func (s *Service) CreateNoteWithBlock(ctx context.Context, note NewNote, initialText string) (string, error) {
	id, err := s.CreateNote(ctx, note)
	if err != nil {
		return "", err
	}
	if initialText != "" {
		if _, err := s.CreateBlock(ctx, id, 0, initialText, note.CreatedBy); err != nil {
			return "", err
		}
	}
	return id, nil
}

// UpdateNote applies a partial patch. updatedAt is always refreshed; a title
// change refreshes titleLower as well.
func (s *Service) UpdateNote(ctx context.Context, noteID string, updates map[string]any) error {
	patch := make(map[string]any, len(updates)+2)
	for k, v := range updates {
		patch[k] = v
	}
	patch["updatedAt"] = docstore.ServerTimestamp
	if title, ok := updates["title"].(string); ok {
		patch["titleLower"] = strings.ToLower(title)
	}
	if err := s.store.Update(ctx, docstore.DocPath(Collection, noteID), patch); err != nil {
		return fmt.Errorf("update note %s: %w", noteID, err)
	}
	return nil
}

// GetNote returns the note, or nil when absent or malformed.
func (s *Service) GetNote(ctx context.Context, noteID string) (*Note, error) {
	doc, err := s.store.Get(ctx, docstore.DocPath(Collection, noteID))
	if err != nil {
		return nil, fmt.Errorf("get note %s: %w", noteID, err)
	}
	return noteFromDoc(doc), nil
}

// SubscribeNote pushes the note on every change; nil for missing or
// malformed documents.
func (s *Service) SubscribeNote(noteID string, fn func(*Note)) (docstore.Unsubscribe, error) {
	return s.store.SubscribeDocument(docstore.DocPath(Collection, noteID), func(doc *docstore.Document) {
		fn(noteFromDoc(doc))
	})
}

// SubscribeAll pushes every stored note, soft-deleted ones included.
// Malformed documents are skipped.
func (s *Service) SubscribeAll(fn func([]Note)) (docstore.Unsubscribe, error) {
	return s.store.SubscribeCollection(Collection, func(docs []docstore.Document) {
		out := make([]Note, 0, len(docs))
		for i := range docs {
			if note := noteFromDoc(&docs[i]); note != nil {
				out = append(out, *note)
			}
		}
		fn(out)
	})
}

// SubscribeBlocks pushes the note's blocks in ascending index order.
func (s *Service) SubscribeBlocks(noteID string, fn func([]Block)) (docstore.Unsubscribe, error) {
	return s.store.SubscribeCollection(BlocksCollection(noteID), func(docs []docstore.Document) {
		fn(decodeBlocks(docs))
	})
}

// ListBlocks is the one-shot equivalent of SubscribeBlocks.
func (s *Service) ListBlocks(ctx context.Context, noteID string) ([]Block, error) {
	docs, err := s.store.QueryEquals(ctx, BlocksCollection(noteID), "type", BlockTypeLine)
	if err != nil {
		return nil, fmt.Errorf("list blocks of %s: %w", noteID, err)
	}
	return decodeBlocks(docs), nil
}

func decodeBlocks(docs []docstore.Document) []Block {
	out := make([]Block, 0, len(docs))
	for i := range docs {
		if block := blockFromDoc(&docs[i]); block != nil {
			out = append(out, *block)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *Service) CreateBlock(ctx context.Context, noteID string, index int, text, updatedBy string) (string, error) {
	id, err := s.store.Create(ctx, BlocksCollection(noteID), map[string]any{
		"index":     index,
		"type":      BlockTypeLine,
		"text":      text,
		"updatedBy": updatedBy,
		"updatedAt": docstore.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("create block: %w", err)
	}
	return id, nil
}

func (s *Service) UpdateBlock(ctx context.Context, noteID, blockID string, index int, text, updatedBy string) error {
	err := s.store.Update(ctx, docstore.DocPath(BlocksCollection(noteID), blockID), map[string]any{
		"index":     index,
		"text":      text,
		"updatedBy": updatedBy,
		"updatedAt": docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("update block %s: %w", blockID, err)
	}
	return nil
}

func (s *Service) DeleteBlock(ctx context.Context, noteID, blockID string) error {
	if err := s.store.Delete(ctx, docstore.DocPath(BlocksCollection(noteID), blockID)); err != nil {
		return fmt.Errorf("delete block %s: %w", blockID, err)
	}
	return nil
}

// LinkNotes replaces the note's outgoing links.
func (s *Service) LinkNotes(ctx context.Context, noteID string, linkedIDs []string) error {
	return s.UpdateNote(ctx, noteID, map[string]any{"links": emptyIfNil(linkedIDs)})
}

// GetNotesByTag returns every note carrying the tag.
func (s *Service) GetNotesByTag(ctx context.Context, tag string) ([]Note, error) {
	docs, err := s.store.QueryContains(ctx, Collection, "tags", tag)
	if err != nil {
		return nil, fmt.Errorf("notes by tag %q: %w", tag, err)
	}
	out := make([]Note, 0, len(docs))
	for i := range docs {
		if note := noteFromDoc(&docs[i]); note != nil {
			out = append(out, *note)
		}
	}
	return out, nil
}

// GetNoteIDByTitle finds a note by exact title, or "" when missing.
func (s *Service) GetNoteIDByTitle(ctx context.Context, title string) (string, error) {
	docs, err := s.store.QueryEquals(ctx, Collection, "title", title)
	if err != nil {
		return "", fmt.Errorf("note by title: %w", err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].ID, nil
}

// GetNoteIDByTitleCI looks up by the derived titleLower field, falling back
// to an exact-title query for legacy documents without it.
func (s *Service) GetNoteIDByTitleCI(ctx context.Context, title string) (string, error) {
	docs, err := s.store.QueryEquals(ctx, Collection, "titleLower", strings.ToLower(title))
	if err != nil {
		return "", fmt.Errorf("note by titleLower: %w", err)
	}
	if len(docs) > 0 {
		return docs[0].ID, nil
	}
	return s.GetNoteIDByTitle(ctx, title)
}

// SoftDeleteCascade marks the note and every descendant deleted=true.
// The traversal uses an explicit worklist, children are marked before their
// parents, and each mark is idempotent, so a failed cascade can simply be
// re-run.
func (s *Service) SoftDeleteCascade(ctx context.Context, noteID string) error {
	return s.cascade(ctx, noteID, true)
}

// RestoreCascade clears the deleted flag on the note and every descendant.
func (s *Service) RestoreCascade(ctx context.Context, noteID string) error {
	return s.cascade(ctx, noteID, false)
}

func (s *Service) cascade(ctx context.Context, noteID string, deleted bool) error {
	ordered := []string{noteID}
	stack := []string{noteID}
	seen := map[string]bool{noteID: true}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := s.store.QueryEquals(ctx, Collection, "parentId", current)
		if err != nil {
			return fmt.Errorf("cascade children of %s: %w", current, err)
		}
		for _, child := range children {
			// Parent links are client-maintained; a stored cycle must not
			// trap the walk.
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			ordered = append(ordered, child.ID)
			stack = append(stack, child.ID)
		}
	}

	// Children first, mirroring the recursive mark order.
	for i := len(ordered) - 1; i >= 0; i-- {
		err := s.store.Update(ctx, docstore.DocPath(Collection, ordered[i]), map[string]any{
			"deleted":   deleted,
			"updatedAt": docstore.ServerTimestamp,
		})
		if err != nil {
			return fmt.Errorf("cascade mark %s: %w", ordered[i], err)
		}
	}
	return nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
