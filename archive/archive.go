// Package archive reads and writes the flat zip container that holds one
// backup: a manifest member plus one payload member per backed-up file, all
// at the archive root. Member names are opaque remote ids with an extension,
// so the container never needs subdirectories and never fights path-length
// limits, illegal characters or case collisions.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gdrive-zipbackup/remote"
)

// Create deflate-compresses every regular file directly under dir into a new
// zip archive at archivePath. Files are stored at the archive root without a
// directory prefix. Subdirectories of dir are ignored.
func Create(dir, archivePath string) (err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to create archive: %w", err))
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = remote.WrapLocal(cerr)
		}
	}()

	zw := zip.NewWriter(out)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := addMember(zw, dir, entry.Name()); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to finalize archive: %w", err))
	}
	return nil
}

// addMember writes one file from dir into the archive under its bare name.
func addMember(zw *zip.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", name, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %q: %w", name, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add member %q: %w", name, err)
	}

	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", name, err)
	}
	defer in.Close()

	if _, err := io.Copy(w, in); err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to compress %q: %w", name, err))
	}
	return nil
}

// ExtractAll extracts every member of the archive at archivePath into dir.
// The flat layout is enforced on extraction: only the base name of each
// member is used, so a crafted archive cannot write outside dir.
func ExtractAll(archivePath, dir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %q: %w", archivePath, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to create extraction directory: %w", err))
	}

	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		if err := extractMember(member, dir); err != nil {
			return err
		}
	}
	return nil
}

// extractMember writes one archive member into dir under its base name.
func extractMember(member *zip.File, dir string) (err error) {
	name := filepath.Base(filepath.FromSlash(member.Name))
	if name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("archive member %q has no usable name", member.Name)
	}

	in, err := member.Open()
	if err != nil {
		return fmt.Errorf("failed to open member %q: %w", member.Name, err)
	}
	defer in.Close()

	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to create %q: %w", name, err))
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = remote.WrapLocal(cerr)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return remote.WrapLocal(fmt.Errorf("failed to extract %q: %w", name, err))
	}
	return nil
}
