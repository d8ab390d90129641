// Package commit moves finished artifacts into the library and records them, making sure the library never holds
// two live records for the same source URL or the same content.
package commit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library"
	"github.com/alanbriolat/video-library/generic"
	"github.com/alanbriolat/video-library/internal/library"
	"github.com/alanbriolat/video-library/util"
)

var ErrCommitFailed = errors.New("commit failed")

// Store is the part of library.Store the Committer needs.
type Store interface {
	FindLiveByURL(ctx context.Context, sourceURL string) (*library.Record, error)
	FindLiveByHash(ctx context.Context, contentHash string) (*library.Record, error)
	Insert(ctx context.Context, r *library.Record) error
}

// Artifact is a finished, playable file waiting to be committed.
type Artifact struct {
	// Path of the file, which the Committer takes ownership of on success.
	Path            string
	SourceURL       string
	Metadata        video_library.Metadata
	Ext             string
	Codec           string
	Resolution      string
	DurationSeconds float64
}

type Committer struct {
	store      Store
	layout     *video_library.LibraryLayout
	libraryDir string
	log        *zap.SugaredLogger
}

func New(store Store, layout *video_library.LibraryLayout, libraryDir string) *Committer {
	return &Committer{
		store:      store,
		layout:     layout,
		libraryDir: libraryDir,
		log:        zap.S().Named("commit"),
	}
}

// Commit hashes the artifact, checks it against the library, moves it into place and inserts its record. A duplicate
// is reported as a *library.DuplicateRecordError, in which case the artifact is left where it was.
func (c *Committer) Commit(ctx context.Context, a Artifact) (*library.Record, error) {
	log := c.log.With("url", a.SourceURL)

	hash, size, err := HashFile(ctx, a.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	if existing, err := c.store.FindLiveByURL(ctx, a.SourceURL); err == nil {
		return nil, &library.DuplicateRecordError{Existing: existing, Field: "source_url"}
	} else if !errors.Is(err, library.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	if existing, err := c.store.FindLiveByHash(ctx, hash); err == nil {
		return nil, &library.DuplicateRecordError{Existing: existing, Field: "content_hash"}
	} else if !errors.Is(err, library.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	meta := a.Metadata
	record := &library.Record{
		ID:              generic.Unwrap(uuid.NewRandom()).String(),
		SourceURL:       a.SourceURL,
		ContentHash:     hash,
		FileSize:        size,
		DurationSeconds: a.DurationSeconds,
		Codec:           a.Codec,
		Resolution:      a.Resolution,
		Title:           meta.Title,
		Uploader:        orUnknown(meta.Uploader),
		Platform:        meta.Platform,
		VideoID:         meta.VideoID,
		ViewCount:       meta.ViewCount,
	}
	if record.Platform == "" {
		if u, err := util.ParseSourceURL(a.SourceURL); err == nil {
			record.Platform = util.DetectPlatform(u)
		}
	}
	if record.DurationSeconds == 0 && meta.Duration > 0 {
		record.DurationSeconds = meta.Duration.Seconds()
	}
	if !meta.UploadDate.IsZero() {
		uploadDate := meta.UploadDate
		record.UploadDate = &uploadDate
	}
	log = log.With("record_id", record.ID)

	rel, err := c.place(a, record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	record.FilePath = rel
	final := filepath.Join(c.libraryDir, rel)

	if err := c.store.Insert(ctx, record); err != nil {
		if rmErr := os.Remove(final); rmErr != nil {
			log.Warnf("failed to remove %v after failed insert: %v", final, rmErr)
		}
		var dup *library.DuplicateRecordError
		if errors.As(err, &dup) {
			log.Infof("lost race with a concurrent commit of the same video")
			return nil, dup
		}
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	log.Infof("committed %v", rel)
	return record, nil
}

// place moves the artifact to its layout path, or to a variant suffixed with the record ID if that path is taken,
// returning the path relative to the library directory.
func (c *Committer) place(a Artifact, record *library.Record) (string, error) {
	args := video_library.LayoutArgs{
		Platform: record.Platform,
		Uploader: record.Uploader,
		Title:    record.Title,
		VideoID:  record.VideoID,
		Ext:      a.Ext,
		RecordID: record.ID,
	}
	if args.Ext == "" {
		args.Ext = strings.TrimPrefix(filepath.Ext(a.Path), ".")
	}
	rel, err := c.layout.Path(args)
	if err != nil {
		return "", err
	}
	candidates := []string{rel, withSuffix(rel, " ["+record.ID+"]")}
	for _, candidate := range candidates {
		dst := filepath.Join(c.libraryDir, candidate)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return "", err
		}
		if err := placeFile(a.Path, dst); errors.Is(err, os.ErrExist) {
			continue
		} else if err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("no free path for %v", rel)
}

func withSuffix(path string, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

// placeFile moves src to dst without ever replacing an existing dst, in which case the error matches os.ErrExist.
// Across filesystems the data is copied to a sibling of dst first, so dst only ever appears complete.
func placeFile(src string, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
		removeSource(src)
		return nil
	case errors.Is(err, os.ErrExist):
		return err
	case errors.Is(err, syscall.EXDEV):
		return copyThenPlace(src, dst)
	}
	// Filesystems without hard links
	if _, statErr := os.Lstat(dst); statErr == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: os.ErrExist}
	}
	return os.Rename(src, dst)
}

func copyThenPlace(src string, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".commit-*")
	if err != nil {
		return err
	}
	defer func() {
		// Only the sibling copy is cleaned up here
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierror.Append(err, rmErr)
		}
	}()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmp.Name(), dst); err != nil {
		return err
	}
	removeSource(src)
	return nil
}

var removeFile = os.Remove

// removeSource deletes the original once dst is in place. Failing that isn't a failed commit: dst is already
// complete, and src is in a workspace that gets removed anyway.
func removeSource(src string) {
	if err := removeFile(src); err != nil && !os.IsNotExist(err) {
		zap.S().Named("commit").Warnf("failed to remove %v after placing it: %v", src, err)
	}
}

// HashFile returns the hex sha256 and size of a file, checking ctx between reads.
func HashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, video_library.NewContextReader(ctx, f))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
