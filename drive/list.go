// Package drive implements the remote.Drive capability set on the Google
// Drive v3 API.
//
// This file contains listing, metadata and folder operations.
package drive

import (
	"context"
	"fmt"
	"time"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/gdrive-zipbackup/remote"
)

// itemFromFile converts an API file into a remote.Item. The canonical path
// is left empty; the listing engine fills it in.
func itemFromFile(file *drive.File) remote.Item {
	item := remote.Item{
		ID:       file.Id,
		Name:     file.Name,
		IsFolder: file.MimeType == remote.FolderMimeType,
		MimeType: file.MimeType,
	}
	if !item.IsFolder {
		item.SizeBytes = file.Size
	}
	if file.ModifiedTime != "" {
		if t, err := time.Parse(timeFormatIn, file.ModifiedTime); err == nil {
			t = t.UTC()
			item.ModifiedTime = &t
		}
	}
	return item
}

// ListChildren implements remote.Drive. Children are fetched page by page;
// fn sees every non-trashed direct child of folderID.
func (f *Fs) ListChildren(ctx context.Context, folderID string, fn func(remote.Item) error) error {
	query := fmt.Sprintf("trashed=false and %q in parents", folderID)
	if f.isTeamDrive {
		query = fmt.Sprintf("%s and driveId=%q", query, f.opt.TeamDriveID)
	}

	pageToken := ""
	for {
		var fileList *drive.FileList
		err := f.pacer.Call(ctx, func() error {
			var err error
			call := f.svc.Files.List().
				Q(query).
				Fields(googleapi.Field("nextPageToken,files(" + partialFields + ")")).
				PageSize(f.opt.ListChunk).
				SupportsAllDrives(f.isTeamDrive).
				IncludeItemsFromAllDrives(f.isTeamDrive).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			fileList, err = call.Do()
			return err
		})
		if err != nil {
			return classifyError(err)
		}

		for _, file := range fileList.Files {
			if err := fn(itemFromFile(file)); err != nil {
				return err
			}
		}

		pageToken = fileList.NextPageToken
		if pageToken == "" {
			return nil
		}
	}
}

// GetMeta implements remote.Drive.
func (f *Fs) GetMeta(ctx context.Context, fileID string) (remote.Item, error) {
	var info *drive.File
	err := f.pacer.Call(ctx, func() error {
		var err error
		info, err = f.svc.Files.Get(fileID).
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

// FindChildFolder implements remote.Drive.
func (f *Fs) FindChildFolder(ctx context.Context, parentID, name string) (string, bool, error) {
	query := fmt.Sprintf("name=%q and mimeType=%q and trashed=false and %q in parents",
		name, remote.FolderMimeType, parentID)
	if f.isTeamDrive {
		query = fmt.Sprintf("%s and driveId=%q", query, f.opt.TeamDriveID)
	}

	var files []*drive.File
	err := f.pacer.Call(ctx, func() error {
		fileList, err := f.svc.Files.List().
			Q(query).
			Fields("files(id,name)").
			SupportsAllDrives(f.isTeamDrive).
			IncludeItemsFromAllDrives(f.isTeamDrive).
			Context(ctx).
			Do()
		if err != nil {
			return err
		}
		files = fileList.Files
		return nil
	})
	if err != nil {
		return "", false, classifyError(err)
	}

	if len(files) == 0 {
		return "", false, nil
	}
	// Drive allows duplicate names; take the first match like the web UI does
	return files[0].Id, true, nil
}

// CreateFolder implements remote.Drive.
func (f *Fs) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	createInfo := &drive.File{
		Name:     name,
		MimeType: remote.FolderMimeType,
		Parents:  []string{parentID},
	}
	var info *drive.File
	err := f.pacer.Call(ctx, func() (err error) {
		info, err = f.svc.Files.Create(createInfo).
			Fields("id").
			SupportsAllDrives(f.isTeamDrive).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return "", classifyError(err)
	}
	return info.Id, nil
}
