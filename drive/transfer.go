// Package drive implements the remote.Drive capability set on the Google
// Drive v3 API.
//
// This file contains the download, export and upload implementations. These
// calls are paced but never retried here; the engines own the per-file
// retry policy so their attempt counters stay exact.
package drive

import (
	"context"
	"io"
	"net/http"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/gdrive-zipbackup/remote"
)

// DownloadNative implements remote.Drive. The file content is streamed as
// stored on the remote.
func (f *Fs) DownloadNative(ctx context.Context, fileID string, w io.Writer) error {
	var resp *http.Response
	err := f.transferPacer.Call(ctx, func() (err error) {
		resp, err = f.svc.Files.Get(fileID).
			SupportsAllDrives(f.isTeamDrive).
			Context(ctx).
			Download()
		return err
	})
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return remote.WrapLocal(err)
	}
	return nil
}

// Export implements remote.Drive. The remote converts the native document
// to exportMime and streams the result.
func (f *Fs) Export(ctx context.Context, fileID, exportMime string, w io.Writer) error {
	var resp *http.Response
	err := f.transferPacer.Call(ctx, func() (err error) {
		resp, err = f.svc.Files.Export(fileID, exportMime).
			Context(ctx).
			Download()
		return err
	})
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return remote.WrapLocal(err)
	}
	return nil
}

// Upload implements remote.Drive. The upload is confirmed by the metadata
// the remote returns for the new file.
func (f *Fs) Upload(ctx context.Context, parentID, name, mime string, src io.Reader, size int64) (remote.Item, error) {
	createInfo := &drive.File{
		Name:    name,
		Parents: []string{parentID},
	}

	var info *drive.File
	err := f.transferPacer.Call(ctx, func() (err error) {
		info, err = f.svc.Files.Create(createInfo).
			Media(src, googleapi.ContentType(mime)).
			Fields(googleapi.Field(partialFields)).
			SupportsAllDrives(f.isTeamDrive).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return remote.Item{}, classifyError(err)
	}
	return itemFromFile(info), nil
}
