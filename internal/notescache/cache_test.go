package notescache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyjournal/api/internal/docstore"
	"partyjournal/api/internal/notes"
)

// fakeSource records subscriptions and lets tests push snapshots by hand.
type fakeSource struct {
	subscribes   int
	unsubscribes int
	push         func([]notes.Note)
}

func (f *fakeSource) SubscribeAll(fn func([]notes.Note)) (docstore.Unsubscribe, error) {
	f.subscribes++
	f.push = fn
	return func() { f.unsubscribes++ }, nil
}

func note(id, title string, deleted bool) notes.Note {
	return notes.Note{
		ID:         id,
		Title:      title,
		TitleLower: title,
		CreatedBy:  "dm@example.com",
		Visibility: notes.VisibilityParty,
		NoteType:   notes.TypeNote,
		Deleted:    deleted,
	}
}

func TestSingleSharedSubscription(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)

	unsub1 := cache.Subscribe(func([]notes.NoteInfo) {})
	unsub2 := cache.Subscribe(func([]notes.NoteInfo) {})
	unsub3 := cache.Subscribe(func([]notes.NoteInfo) {})

	assert.Equal(t, 1, source.subscribes)

	unsub1()
	unsub2()
	assert.Equal(t, 0, source.unsubscribes)

	unsub3()
	assert.Equal(t, 1, source.unsubscribes)

	// Idempotent unsubscribe.
	unsub3()
	assert.Equal(t, 1, source.unsubscribes)
}

func TestPushFiltersDeletedAndKeepsOrder(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)

	var got []notes.NoteInfo
	unsub := cache.Subscribe(func(infos []notes.NoteInfo) { got = infos })
	defer unsub()

	source.push([]notes.Note{
		note("note_a", "Act One", false),
		note("note_b", "Old Draft", true),
		note("note_c", "Act Two", false),
	})

	require.Len(t, got, 2)
	assert.Equal(t, "note_a", got[0].ID)
	assert.Equal(t, "note_c", got[1].ID)

	_, ok := cache.GetNoteInfo("note_b")
	assert.False(t, ok)
	assert.True(t, cache.HasNotes())
}

func TestPushReplacesEarlierState(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)

	unsub := cache.Subscribe(func([]notes.NoteInfo) {})
	defer unsub()

	source.push([]notes.Note{note("note_a", "Act One", false)})
	require.True(t, cache.HasNotes())

	// A note soft-deleted between pushes vanishes from the mirror.
	source.push([]notes.Note{note("note_a", "Act One", true)})
	assert.False(t, cache.HasNotes())
	_, ok := cache.GetNoteInfo("note_a")
	assert.False(t, ok)
}

func TestLateSubscriberGetsCurrentSnapshot(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)

	unsub := cache.Subscribe(func([]notes.NoteInfo) {})
	defer unsub()
	source.push([]notes.Note{note("note_a", "Act One", false)})

	var got []notes.NoteInfo
	unsub2 := cache.Subscribe(func(infos []notes.NoteInfo) { got = infos })
	defer unsub2()

	require.Len(t, got, 1)
	assert.Equal(t, "note_a", got[0].ID)
}

func TestTeardownClearsMirror(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)

	unsub := cache.Subscribe(func([]notes.NoteInfo) {})
	source.push([]notes.Note{note("note_a", "Act One", false)})
	unsub()

	assert.False(t, cache.HasNotes())
	assert.Empty(t, cache.GetAllNotes())
}
