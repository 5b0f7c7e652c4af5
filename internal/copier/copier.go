// Package copier implements the file-copier — an out-of-scope external
// collaborator per spec.md §1 ("the file-copier that scans input
// directories and creates the initial file record"): only its interface
// is specified there. This package supplies a concrete default so the
// pipeline can run end to end, grounded on
// original_source/.../copier.py's Copier/LocalFileCopier.
package copier

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/scheduler"
	"ingestpipe/internal/store"

	"github.com/mohae/deepcopy"
)

// Copier looks for new input files for one partner and turns each
// matching one into a NEW File record, ready for the Loader.
type Copier interface {
	Scan(ctx context.Context, partner *config.Partner, inputDir, processedDir string) error
}

// LocalCopier scans a local filesystem directory. It is the default,
// grounded on copier.py's LocalFileCopier: move the file into the
// processed directory under a temporary name first (an orphaned temp
// file is an obvious, harmless leftover if anything below fails),
// allocate the file id, insert the File record, then rename to the
// long-term name "{stem}-{id}{ext}" and hand off to the Scheduler.
type LocalCopier struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
}

// New constructs a LocalCopier.
func New(st store.Store, sched *scheduler.Scheduler) *LocalCopier {
	return &LocalCopier{Store: st, Scheduler: sched}
}

// Scan walks inputDir's immediate children (no subdirectories, matching
// copier.py) and, for every file matching one of the partner's FileTypes'
// NamePatterns, creates a File record and routes it. A file already
// present in processedDir under its long-term name is treated as already
// copied and skipped — the filesystem is this simplified Copier's stand-
// in for copier.py's File-collection lookup by (partnerId, name), since
// the Store contract this pipeline specifies has no such query (spec.md
// §1 leaves file-copier internals, including its dedup strategy, out of
// scope).
func (c *LocalCopier) Scan(ctx context.Context, partner *config.Partner, inputDir, processedDir string) error {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return fmt.Errorf("copier: read input dir %q: %w", inputDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(inputDir, entry.Name())
		ft := matchFileType(partner, entry.Name())
		if ft == nil {
			continue
		}
		if alreadyCopied(processedDir, entry.Name()) {
			continue
		}
		if err := c.createFile(ctx, partner, ft, src, processedDir); err != nil {
			return fmt.Errorf("copier: %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// matchFileType returns the first FileType of partner whose NamePatterns
// fully matches name, or nil.
func matchFileType(partner *config.Partner, name string) *config.FileType {
	for i := range partner.FileTypes {
		ft := &partner.FileTypes[i]
		for _, pattern := range ft.NamePatterns {
			if ok, _ := regexp.MatchString("^(?:"+pattern+")$", name); ok {
				return ft
			}
		}
	}
	return nil
}

// alreadyCopied reports whether processedDir already holds a
// long-term-named copy of a file whose original name was name.
func alreadyCopied(processedDir, name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	matches, err := filepath.Glob(filepath.Join(processedDir, stem+"-*"+filepath.Ext(name)))
	return err == nil && len(matches) > 0
}

func (c *LocalCopier) createFile(ctx context.Context, partner *config.Partner, ft *config.FileType, src, processedDir string) error {
	tmp := filepath.Join(processedDir, tempName(filepath.Base(src)))
	if err := os.Rename(src, tmp); err != nil {
		return fmt.Errorf("move to processed dir: %w", err)
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("stat moved file: %w", err)
	}
	hash, err := hashFile(tmp)
	if err != nil {
		return fmt.Errorf("hash moved file: %w", err)
	}

	id, err := c.Store.NextID(ctx, "files")
	if err != nil {
		return fmt.Errorf("allocate file id: %w", err)
	}

	// A fresh copy of partner.Tags, not an alias: a later stage appending
	// a per-file tag must never mutate the shared admin-cache Partner.
	var tags map[string]string
	if partner.Tags != nil {
		tags = deepcopy.Copy(partner.Tags).(map[string]string)
	} else {
		tags = map[string]string{}
	}

	file := &model.File{
		ID:          id,
		PartnerID:   partner.ID,
		FileTypeID:  ft.ID,
		Name:        filepath.Base(src),
		Location:    processedDir,
		ByteSize:    info.Size(),
		ContentHash: hash,
		Tags:        tags,
		Status:      model.FileNew,
		Times:       model.Times{},
		Log: []model.ProcessingLog{{
			Timestamp: time.Now(),
			Source:    "COPIER",
			Message:   "File Created",
		}},
	}

	if err := c.Store.InsertFile(ctx, file); err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}

	longTerm := filepath.Join(processedDir, longTermName(file.Name, id))
	if err := os.Rename(tmp, longTerm); err != nil {
		return fmt.Errorf("rename to long-term name: %w", err)
	}
	file.Location = longTerm

	upd := store.NewUpdate().SetField("location", longTerm)
	if err := c.Store.UpdateFile(ctx, file.ID, *upd); err != nil {
		return fmt.Errorf("persist long-term location: %w", err)
	}

	if c.Scheduler != nil {
		if err := c.Scheduler.Route(ctx, file); err != nil {
			return fmt.Errorf("route new file: %w", err)
		}
	}
	return nil
}

func tempName(name string) string {
	return fmt.Sprintf("tmp_%d_%s.tmp", time.Now().Unix(), name)
}

func longTermName(origName string, id int64) string {
	ext := filepath.Ext(origName)
	stem := strings.TrimSuffix(origName, ext)
	return fmt.Sprintf("%s-%d%s", stem, id, ext)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
