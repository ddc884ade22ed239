package notes

import (
	"time"

	"partyjournal/api/internal/docstore"
)

const (
	// Collection holds every journal note.
	Collection = "notes"

	TypeNote   = "note"
	TypeFolder = "folder"

	// BlockTypeLine is the only block type: one line of markdown.
	BlockTypeLine = "line"
)

// Note is one journal entry or folder.
type Note struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	TitleLower string         `json:"titleLower"`
	Content    string         `json:"content"`
	AdminNotes string         `json:"adminNotes,omitempty"`
	CreatedBy  string         `json:"createdBy"`
	Visibility string         `json:"visibility"`
	Tags       []string       `json:"tags"`
	Links      []string       `json:"links"`
	Template   string         `json:"template,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ParentID   *string        `json:"parentId"`
	NoteType   string         `json:"noteType"`
	Deleted    bool           `json:"deleted"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Block is one persisted line of a note's body.
type Block struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// NoteInfo is the lightweight projection mirrored by the notes cache.
type NoteInfo struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ParentID   *string   `json:"parentId"`
	NoteType   string    `json:"noteType"`
	UpdatedAt  time.Time `json:"updatedAt"`
	CreatedBy  string    `json:"createdBy"`
	Visibility string    `json:"visibility"`
}

// Info projects a note down to its cacheable summary.
func (n *Note) Info() NoteInfo {
	return NoteInfo{
		ID:         n.ID,
		Title:      n.Title,
		ParentID:   n.ParentID,
		NoteType:   n.NoteType,
		UpdatedAt:  n.UpdatedAt,
		CreatedBy:  n.CreatedBy,
		Visibility: n.Visibility,
	}
}

// noteFromDoc decodes a stored document. Malformed documents decode to nil
// rather than failing the whole subscription.
func noteFromDoc(doc *docstore.Document) *Note {
	if doc == nil {
		return nil
	}
	if _, ok := doc.Fields["title"].(string); !ok {
		return nil
	}
	if _, ok := doc.Fields["visibility"].(string); !ok {
		return nil
	}

	note := &Note{
		ID:         doc.ID,
		Title:      doc.String("title"),
		TitleLower: doc.String("titleLower"),
		Content:    doc.String("content"),
		AdminNotes: doc.String("adminNotes"),
		CreatedBy:  doc.String("createdBy"),
		Visibility: doc.String("visibility"),
		Tags:       doc.Strings("tags"),
		Links:      doc.Strings("links"),
		Template:   doc.String("template"),
		NoteType:   doc.String("noteType"),
		Deleted:    doc.Bool("deleted"),
		CreatedAt:  doc.Time("createdAt"),
		UpdatedAt:  doc.Time("updatedAt"),
	}
	if note.NoteType == "" {
		note.NoteType = TypeNote
	}
	if parent, ok := doc.Fields["parentId"].(string); ok && parent != "" {
		note.ParentID = &parent
	}
	if meta, ok := doc.Fields["metadata"].(map[string]any); ok {
		note.Metadata = meta
	}
	return note
}

func blockFromDoc(doc *docstore.Document) *Block {
	if doc == nil {
		return nil
	}
	if _, ok := doc.Fields["text"].(string); !ok {
		return nil
	}
	block := &Block{
		ID:        doc.ID,
		Index:     doc.Int("index"),
		Type:      doc.String("type"),
		Text:      doc.String("text"),
		UpdatedAt: doc.Time("updatedAt"),
		UpdatedBy: doc.String("updatedBy"),
	}
	if block.Type == "" {
		block.Type = BlockTypeLine
	}
	return block
}
