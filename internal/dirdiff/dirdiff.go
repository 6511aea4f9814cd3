// Package dirdiff implements the recursive two-tree comparison between a
// base image mount and a target image mount, grounded on
// original_source/src/utils.rs's compare_directories.
package dirdiff

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// DiffType identifies what changed at a relative path.
type DiffType int

const (
	Add DiffType = iota
	Delete
	Modify
)

func (t DiffType) String() string {
	switch t {
	case Add:
		return "Add"
	case Delete:
		return "Delete"
	case Modify:
		return "Modify"
	default:
		return "Unknown"
	}
}

// Event is one entry in the diff stream delivered to a Visitor.
type Event struct {
	Type DiffType

	// BasePath is the absolute path under the base root. Set for Delete
	// and Modify.
	BasePath string

	// TargetPath is the absolute path under the target root. Set for Add
	// and Modify.
	TargetPath string

	// RelPath is the path relative to both roots, using the OS-native
	// separator.
	RelPath string
}

// Visitor is called once per Event. Returning false aborts the comparison;
// Compare then returns ErrAborted.
type Visitor func(Event) (cont bool)

// ErrAborted is returned by Compare when a Visitor returns false.
var ErrAborted = errors.New("dirdiff: comparison aborted by visitor")

// Options configures the byte-compare stage of Compare.
type Options struct {
	// BufferSize sizes the shared read buffer used for the byte compare.
	// Defaults to 64 KiB when zero or negative.
	BufferSize int
}

// Compare walks baseDir and targetDir and delivers one Event per changed
// path to visit, in arbitrary order. Directories never produce Modify
// events — only files are byte-compared.
func Compare(baseDir, targetDir string, opts Options, visit Visitor) error {
	baseInfo, err := os.Stat(baseDir)
	if err != nil {
		return xerrors.Errorf("dirdiff: base directory: %w", err)
	}
	if !baseInfo.IsDir() {
		return xerrors.Errorf("dirdiff: base path is not a directory: %s", baseDir)
	}
	targetInfo, err := os.Stat(targetDir)
	if err != nil {
		return xerrors.Errorf("dirdiff: target directory: %w", err)
	}
	if !targetInfo.IsDir() {
		return xerrors.Errorf("dirdiff: target path is not a directory: %s", targetDir)
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}

	baseFiles, err := buildFileMap(baseDir)
	if err != nil {
		return xerrors.Errorf("dirdiff: reading base directory: %w", err)
	}
	targetFiles, err := buildFileMap(targetDir)
	if err != nil {
		return xerrors.Errorf("dirdiff: reading target directory: %w", err)
	}

	for rel, basePath := range baseFiles {
		if _, ok := targetFiles[rel]; ok {
			continue
		}
		if !visit(Event{Type: Delete, BasePath: basePath, RelPath: rel}) {
			return ErrAborted
		}
	}

	for rel, targetPath := range targetFiles {
		basePath, ok := baseFiles[rel]
		if !ok {
			if !visit(Event{Type: Add, TargetPath: targetPath, RelPath: rel}) {
				return ErrAborted
			}
			continue
		}

		baseIsFile, err := isFile(basePath)
		if err != nil {
			return xerrors.Errorf("dirdiff: stat %s: %w", basePath, err)
		}
		targetIsFile, err := isFile(targetPath)
		if err != nil {
			return xerrors.Errorf("dirdiff: stat %s: %w", targetPath, err)
		}
		if !baseIsFile || !targetIsFile {
			// Directories, or a file<->directory type change, never emit
			// Modify per spec.md §4.2.
			continue
		}

		equal, err := filesEqual(basePath, targetPath, bufSize)
		if err != nil {
			return xerrors.Errorf("dirdiff: comparing %s: %w", rel, err)
		}
		if equal {
			continue
		}
		if !visit(Event{Type: Modify, BasePath: basePath, TargetPath: targetPath, RelPath: rel}) {
			return ErrAborted
		}
	}

	return nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// buildFileMap recursively descends root, returning a map of
// path-relative-to-root -> absolute path, for both files and directories.
func buildFileMap(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[rel] = path
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// filesEqual implements the two-stage equality test from spec.md §4.2: a
// fast metadata reject (size, modification-time nanosecond stamp), then a
// buffered byte compare only when metadata matches.
func filesEqual(one, another string, bufSize int) (bool, error) {
	infoOne, err := os.Stat(one)
	if err != nil {
		return false, err
	}
	infoAnother, err := os.Stat(another)
	if err != nil {
		return false, err
	}
	if infoOne.Size() != infoAnother.Size() {
		return false, nil
	}
	if infoOne.ModTime().UnixNano() != infoAnother.ModTime().UnixNano() {
		return false, nil
	}

	fileOne, err := os.Open(one)
	if err != nil {
		return false, err
	}
	defer fileOne.Close()
	fileAnother, err := os.Open(another)
	if err != nil {
		return false, err
	}
	defer fileAnother.Close()

	readerOne := bufio.NewReaderSize(fileOne, bufSize)
	readerAnother := bufio.NewReaderSize(fileAnother, bufSize)
	bufOne := make([]byte, bufSize)
	bufAnother := make([]byte, bufSize)

	for {
		nOne, errOne := io.ReadFull(readerOne, bufOne)
		nAnother, errAnother := io.ReadFull(readerAnother, bufAnother)
		if nOne != nAnother {
			return false, nil
		}
		if nOne > 0 && !bytes.Equal(bufOne[:nOne], bufAnother[:nAnother]) {
			return false, nil
		}
		doneOne := errOne == io.EOF || errOne == io.ErrUnexpectedEOF
		doneAnother := errAnother == io.EOF || errAnother == io.ErrUnexpectedEOF
		if doneOne && doneAnother {
			return true, nil
		}
		if doneOne != doneAnother {
			return false, nil
		}
		if errOne != nil {
			return false, errOne
		}
		if errAnother != nil {
			return false, errAnother
		}
	}
}
