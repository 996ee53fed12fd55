package ingestion

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/josefeneto/fiscalia/internal/logger"
)

// FileCandidate is a file found in the inbox, before any checks.
type FileCandidate struct {
	Path string
	Size int64
}

// Processor defines the filesystem side of the pipeline: discovering inbox
// files and moving them to their lifecycle directory.
type Processor interface {
	ScanInbox(maxFiles int) ([]FileCandidate, error)
	MoveToProcessed(path string) error
	MoveToRejected(path string) error
}

// FileProcessor implements Processor over the three lifecycle directories.
type FileProcessor struct {
	inboxDir     string
	processedDir string
	rejectedDir  string
	log          *logger.Logger
}

func NewFileProcessor(inboxDir, processedDir, rejectedDir string, log *logger.Logger) *FileProcessor {
	return &FileProcessor{
		inboxDir:     inboxDir,
		processedDir: processedDir,
		rejectedDir:  rejectedDir,
		log:          log,
	}
}

// ScanInbox lists regular files in the inbox, capped at maxFiles per pass.
// Dotfiles and .gitkeep markers are skipped.
func (fp *FileProcessor) ScanInbox(maxFiles int) ([]FileCandidate, error) {
	entries, err := os.ReadDir(fp.inboxDir)
	if err != nil {
		return nil, fmt.Errorf("error reading inbox %s: %w", fp.inboxDir, err)
	}

	var candidates []FileCandidate
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fp.log.Warn("skipping unreadable inbox entry", "name", entry.Name(), "error", err)
			continue
		}
		candidates = append(candidates, FileCandidate{
			Path: filepath.Join(fp.inboxDir, entry.Name()),
			Size: info.Size(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })

	if maxFiles > 0 && len(candidates) > maxFiles {
		candidates = candidates[:maxFiles]
	}

	fp.log.Info("inbox scanned", "dir", fp.inboxDir, "files", len(candidates))
	return candidates, nil
}

func (fp *FileProcessor) MoveToProcessed(path string) error {
	return fp.moveTo(path, fp.processedDir)
}

func (fp *FileProcessor) MoveToRejected(path string) error {
	return fp.moveTo(path, fp.rejectedDir)
}

// moveTo relocates a file, replacing any previous copy with the same name.
func (fp *FileProcessor) moveTo(path, dir string) error {
	dest := filepath.Join(dir, filepath.Base(path))

	if _, err := os.Stat(dest); err == nil {
		fp.log.Warn("destination already exists, replacing", "dest", dest)
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("error replacing %s: %w", dest, err)
		}
	}

	if err := os.Rename(path, dest); err != nil {
		// Rename fails across filesystems; fall back to copy + remove.
		if copyErr := copyFile(path, dest); copyErr != nil {
			return fmt.Errorf("error moving %s to %s: %w", path, dest, err)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("error removing %s after copy: %w", path, err)
		}
	}

	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
