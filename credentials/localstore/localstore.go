// Package localstore persists credentials in a JSON file per backend origin, the console's
// equivalent of origin-scoped browser storage.
package localstore

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jrsteele09/school-console/credentials"
	"github.com/pkg/errors"
)

var _ credentials.KV = (*Store)(nil)

type Store struct {
	path string
	lock sync.RWMutex
}

// New opens (without creating) the store file for origin inside dir.
func New(dir, origin string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[localstore.New] MkdirAll")
	}
	return &Store{path: filepath.Join(dir, originSlug(origin)+".json")}, nil
}

func (s *Store) Name() string {
	return "local"
}

// Path is the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Get(key string) (string, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	values, err := s.readAll()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *Store) Set(key, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := s.readAll()
	if err != nil {
		return err
	}
	values[key] = value
	return s.writeAll(values)
}

func (s *Store) Delete(key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.writeAll(values)
}

func (s *Store) readAll() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[localstore] ReadFile")
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(err, "[localstore] json.Unmarshal")
	}
	return values, nil
}

// writeAll replaces the file atomically so a crash never leaves half a document behind.
func (s *Store) writeAll(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "[localstore] json.Marshal")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return errors.Wrap(err, "[localstore] CreateTemp")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[localstore] Write")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[localstore] Chmod")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "[localstore] Close")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "[localstore] Rename")
	}
	return nil
}

func originSlug(origin string) string {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, host)
	if slug == "" {
		return "default"
	}
	return slug
}
