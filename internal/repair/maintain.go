package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library/internal/commit"
	"github.com/alanbriolat/video-library/internal/library"
)

// RecordStore is the part of library.Store the Maintainer needs.
type RecordStore interface {
	Get(ctx context.Context, id library.RecordID) (*library.Record, error)
	All(ctx context.Context) ([]library.Record, error)
	UpdateMedia(ctx context.Context, id library.RecordID, u library.MediaUpdate) (*library.Record, error)
}

// Maintainer repairs records that are already in the library.
type Maintainer struct {
	store      RecordStore
	repairer   *Repairer
	libraryDir string
	log        *zap.SugaredLogger
}

func NewMaintainer(store RecordStore, repairer *Repairer, libraryDir string) *Maintainer {
	return &Maintainer{
		store:      store,
		repairer:   repairer,
		libraryDir: libraryDir,
		log:        zap.S().Named("repair"),
	}
}

// RepairRecord makes a committed record's file playable. A compatible file is not touched at all. An incompatible file
// is transcoded and atomically replaced, and the record updated to match. The returned bool reports whether any
// change was made.
func (m *Maintainer) RepairRecord(ctx context.Context, id library.RecordID) (*library.Record, bool, error) {
	record, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	log := m.log.With("record_id", record.ID)
	path := filepath.Join(m.libraryDir, record.FilePath)

	codec := record.Codec
	if !m.repairer.IsCompatible(codec) {
		// The stored codec may be stale or missing, so check the file itself before doing any work
		probed, err := m.repairer.prober.Probe(ctx, path)
		if err != nil {
			return nil, false, fmt.Errorf("%w: probe: %v", ErrRepairFailed, err)
		}
		codec = probed.Codec()
	}
	if m.repairer.IsCompatible(codec) {
		log.Debugf("codec %v is compatible, nothing to do", codec)
		return record, false, nil
	}

	log.Infof("transcoding %v from %v", record.FilePath, codec)
	tmp, probed, err := m.repairer.transcodeSibling(ctx, path)
	if err != nil {
		return nil, false, err
	}
	hash, size, err := commit.HashFile(ctx, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, false, fmt.Errorf("%w: %v", ErrRepairFailed, err)
	}

	newRel := withExt(record.FilePath, m.repairer.target.Ext)
	newPath := filepath.Join(m.libraryDir, newRel)
	if newRel != record.FilePath {
		if _, err := os.Lstat(newPath); err == nil {
			newRel = strings.TrimSuffix(record.FilePath, filepath.Ext(record.FilePath)) + " [" + record.ID + "]." + m.repairer.target.Ext
			newPath = filepath.Join(m.libraryDir, newRel)
		}
	}
	var backup string
	if newRel == record.FilePath {
		// Same path: keep the original aside until the record agrees with the new file
		if backup, err = moveAside(path); err != nil {
			_ = os.Remove(tmp)
			return nil, false, fmt.Errorf("%w: %v", ErrRepairFailed, err)
		}
	}
	if err := os.Rename(tmp, newPath); err != nil {
		_ = os.Remove(tmp)
		if backup != "" {
			restoreBackup(log, backup, path)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRepairFailed, err)
	}

	updated, err := m.store.UpdateMedia(ctx, record.ID, library.MediaUpdate{
		ContentHash:     hash,
		FilePath:        newRel,
		FileSize:        size,
		Codec:           probed.Codec(),
		Resolution:      probed.Resolution(),
		DurationSeconds: probed.DurationSeconds,
	})
	if err != nil {
		if backup != "" {
			restoreBackup(log, backup, path)
		} else {
			_ = os.Remove(newPath)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRepairFailed, err)
	}
	old := path
	if backup != "" {
		old = backup
	}
	if err := os.Remove(old); err != nil {
		log.Warnf("failed to remove original file %v: %v", old, err)
	}
	log.Infof("repaired, now %v", updated.FilePath)
	return updated, true, nil
}

// RepairAll runs RepairRecord over every live record, returning how many were changed. Failures don't stop the sweep
// and are returned together.
func (m *Maintainer) RepairAll(ctx context.Context) (int, error) {
	records, err := m.store.All(ctx)
	if err != nil {
		return 0, err
	}
	var result error
	repaired := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return repaired, multierror.Append(result, err).ErrorOrNil()
		}
		_, changed, err := m.RepairRecord(ctx, record.ID)
		if errors.Is(err, library.ErrNotFound) {
			// Deleted since the sweep started
			continue
		} else if err != nil {
			result = multierror.Append(result, multierror.Prefix(err, fmt.Sprintf("[%v]", record.ID)))
			continue
		}
		if changed {
			repaired++
		}
	}
	if result != nil {
		m.log.Warnf("repair sweep finished with errors: %v", result)
	} else {
		m.log.Infof("repair sweep finished, %d of %d records repaired", repaired, len(records))
	}
	return repaired, result
}

// moveAside renames path to a fresh hidden sibling and returns the sibling's path.
func moveAside(path string) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".orig-*")
	if err != nil {
		return "", err
	}
	backup := f.Name()
	_ = f.Close()
	if err := os.Rename(path, backup); err != nil {
		_ = os.Remove(backup)
		return "", err
	}
	return backup, nil
}

// restoreBackup puts the original back at path, replacing whatever is there.
func restoreBackup(log *zap.SugaredLogger, backup string, path string) {
	if err := os.Rename(backup, path); err != nil {
		log.Errorf("failed to restore original %v from %v: %v", path, backup, err)
	}
}

func withExt(path string, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + ext
}
