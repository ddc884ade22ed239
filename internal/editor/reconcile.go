// Package editor bridges a free-text note buffer and the per-line block
// records persisted for it, reconciling the two on a debounce timer while the
// author keeps typing.
package editor

import (
	"context"
	"strings"
	"sync"

	"partyjournal/api/internal/notes"
)

type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one pending block write computed by a reconciliation pass.
type Op struct {
	Kind    OpKind
	BlockID string
	Index   int
	Text    string
}

// BlockStore is the slice of the notes service a reconciliation pass needs.
type BlockStore interface {
	CreateBlock(ctx context.Context, noteID string, index int, text, updatedBy string) (string, error)
	UpdateBlock(ctx context.Context, noteID, blockID string, index int, text, updatedBy string) error
	DeleteBlock(ctx context.Context, noteID, blockID string) error
}

// ReconcileOps diffs the buffer's lines against the last-known blocks by
// index. A single trailing empty line is never persisted, so trailing
// newlines don't accumulate empty blocks.
func ReconcileOps(text string, blocks []notes.Block) []Op {
	lines := strings.Split(text, "\n")
	var ops []Op

	for i, line := range lines {
		if i < len(blocks) {
			block := blocks[i]
			if block.Text != line || block.Index != i {
				ops = append(ops, Op{Kind: OpUpdate, BlockID: block.ID, Index: i, Text: line})
			}
			continue
		}
		if len(line) > 0 || i < len(lines)-1 {
			ops = append(ops, Op{Kind: OpCreate, Index: i, Text: line})
		}
	}

	for i := len(lines); i < len(blocks); i++ {
		ops = append(ops, Op{Kind: OpDelete, BlockID: blocks[i].ID, Index: i})
	}
	return ops
}

// JoinBlocks renders blocks back into a text buffer, joining line texts in
// index order.
func JoinBlocks(blocks []notes.Block) string {
	texts := make([]string, len(blocks))
	for i, block := range blocks {
		texts[i] = block.Text
	}
	return strings.Join(texts, "\n")
}

// Reconcile computes and executes one outbound pass. The writes are issued
// concurrently; there is no ordering or transactional guarantee among them,
// and a partial failure is left for the next successful pass to repair.
func Reconcile(ctx context.Context, store BlockStore, noteID, updatedBy, text string, blocks []notes.Block) error {
	return runOps(ctx, store, noteID, updatedBy, ReconcileOps(text, blocks))
}

func runOps(ctx context.Context, store BlockStore, noteID, updatedBy string, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(ops))
	for _, op := range ops {
		wg.Add(1)
		go func(op Op) {
			defer wg.Done()
			var err error
			switch op.Kind {
			case OpCreate:
				_, err = store.CreateBlock(ctx, noteID, op.Index, op.Text, updatedBy)
			case OpUpdate:
				err = store.UpdateBlock(ctx, noteID, op.BlockID, op.Index, op.Text, updatedBy)
			case OpDelete:
				err = store.DeleteBlock(ctx, noteID, op.BlockID)
			}
			if err != nil {
				errCh <- err
			}
		}(op)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}
