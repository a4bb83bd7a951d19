package storage

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
)

// Prefix of in-flight uploads. They live in the same directory as published
// blobs so that publishing is a single link(2) on the same filesystem.
const tempPrefix = ".upload-"

// DiskStore implements Store on a flat host directory, one file per key.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

// Dir returns the directory the blobs are stored in.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Create writes value to a temporary file, then links it at its final name.
// Linking fails if the name is taken, which makes creation atomic and
// write-once, and readers never observe a partially written blob.
func (s *DiskStore) Create(key string, value []byte) (err error) {
	if err = os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("could not make dir %q: %w", s.dir, err)
	}
	tmp, err := ioutil.TempFile(s.dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("could not create temporary file in %q: %w", s.dir, err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err = tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("could not write %q: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("could not close %q: %w", tmp.Name(), err)
	}
	valpath := s.pathFor(key)
	if err = os.Link(tmp.Name(), valpath); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", key, ErrExists)
		}
		return fmt.Errorf("could not publish %q: %w", valpath, err)
	}
	return nil
}

func (s *DiskStore) Get(key string) (value []byte, err error) {
	valpath := s.pathFor(key)
	info, err := os.Stat(valpath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file: %w", key, ErrNotFound)
	}
	value, err = ioutil.ReadFile(valpath)
	if os.IsNotExist(err) {
		err = fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return
}

func (s *DiskStore) Delete(key string) error {
	err := os.Remove(s.pathFor(key))
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return err
}

// List returns the regular files in the directory. Leftover temporary files
// from interrupted uploads are listed too, so that they age out like any
// other entry. The creation time reported is the file modification time.
func (s *DiskStore) List() ([]Entry, error) {
	infos, err := ioutil.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{
			Key:       info.Name(),
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
		})
	}
	return entries, nil
}

func (s *DiskStore) pathFor(key string) string {
	return filepath.Join(s.dir, key)
}
