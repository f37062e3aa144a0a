package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gdrive-zipbackup/remote"
)

// folderRef is one pending folder in the breadth-first traversal.
type folderRef struct {
	id  string
	rel string // normalized relative path below the subtree root, "" for the root
}

// listSubtree walks the remote subtree breadth-first and returns every
// non-excluded file with its canonical path filled in. Excluded folders
// prune their whole subtree; excluded files are omitted. Fails with
// remote.ErrRootUnavailable when the root cannot be resolved.
func (e *Engine) listSubtree(ctx context.Context) ([]remote.Item, error) {
	root, err := e.drive.GetMeta(ctx, e.opts.RootFolderID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", remote.ErrRootUnavailable, err)
	}
	if !root.IsFolder {
		return nil, fmt.Errorf("%w: %q is not a folder", remote.ErrRootUnavailable, e.opts.RootFolderID)
	}

	var files []remote.Item
	queue := []folderRef{{id: root.ID, rel: ""}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		folder := queue[0]
		queue = queue[1:]

		err := e.drive.ListChildren(ctx, folder.id, func(item remote.Item) error {
			rel := NormalizeRelPath(folder.rel + "/" + item.Name)
			if e.exclusions.Excluded(rel) {
				log.Debug().Str("path", rel).Bool("folder", item.IsFolder).Msg("Excluded from backup.")
				return nil
			}
			if item.IsFolder {
				queue = append(queue, folderRef{id: item.ID, rel: rel})
				return nil
			}
			item.Path = "/" + root.Name + rel
			files = append(files, item)
			e.counters.FilesListed.Add(1)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list folder %q: %w", folder.rel, err)
		}
	}
	return files, nil
}
