package backup

import (
	"path"

	"github.com/gdrive-zipbackup/manifest"
	"github.com/gdrive-zipbackup/remote"
)

// action says how one listed file is materialized in the new archive.
type action int

const (
	actionDownload action = iota // fetch from the remote, natively or via export
	actionCopy                   // reuse the member from the prior archive
	actionSkipUnsupported        // native document with no export translation
)

// plannedFile is the outcome of analysis for one listed file.
type plannedFile struct {
	item        remote.Item
	action      action
	exportMime  string // non-empty for export downloads
	archivePath string // member name in the new archive
	priorMember string // member name in the prior extraction, for copies
}

// analyze classifies every listed file into copy, download or skip. priorByID
// may be nil when no usable prior archive exists; then everything downloads.
func (e *Engine) analyze(files []remote.Item, priorByID map[string]manifest.Entry) []plannedFile {
	planned := make([]plannedFile, 0, len(files))
	for _, item := range files {
		if f, ok := remote.ExportFormatFor(item.MimeType); ok {
			planned = append(planned, plannedFile{
				item:        item,
				action:      actionDownload,
				exportMime:  f.Mime,
				archivePath: item.ID + f.Extension,
			})
			continue
		}

		if remote.IsNativeDoc(item.MimeType) {
			e.counters.UnsupportedSkipped.Add(1)
			planned = append(planned, plannedFile{item: item, action: actionSkipUnsupported})
			continue
		}

		archivePath := item.ID + path.Ext(item.Name)
		if prior, ok := priorByID[item.ID]; ok &&
			remote.TimesEquivalent(item.ModifiedTime, prior.GoogleDriveModifiedTime) {
			planned = append(planned, plannedFile{
				item:        item,
				action:      actionCopy,
				archivePath: archivePath,
				priorMember: prior.ArchivePath,
			})
			continue
		}

		planned = append(planned, plannedFile{
			item:        item,
			action:      actionDownload,
			archivePath: archivePath,
		})
	}
	return planned
}
