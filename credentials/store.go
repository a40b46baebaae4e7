package credentials

import (
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Keys shared by both physical stores. The cookie mirror carries everything except the profile.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyProfile      = "user"
	KeyRole         = "role"
)

var (
	localKeys  = []string{KeyAccessToken, KeyRefreshToken, KeyProfile, KeyRole}
	mirrorKeys = []string{KeyRole, KeyAccessToken, KeyRefreshToken}
)

// KV is one physical backing store.
type KV interface {
	Name() string
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Store keeps a session in the local store (source of truth for in-page logic) and mirrors it
// into the cookie store read by routing checks. The two never disagree after a write returns:
// a failed write clears both.
type Store struct {
	local  KV
	mirror KV
	lock   sync.Mutex
}

func NewStore(local, mirror KV) (*Store, error) {
	if local == nil {
		return nil, errors.New("[NewStore] local store is required")
	}
	if mirror == nil {
		return nil, errors.New("[NewStore] cookie mirror is required")
	}
	return &Store{local: local, mirror: mirror}, nil
}

// Save writes the session to both stores.
func (s *Store) Save(sess *Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !HasValidShape(sess) {
		s.clear()
		return errors.Wrap(apperrors.ErrIncompleteToken, "[Store.Save]")
	}
	if !sess.Role.Valid() || sess.Profile.Role != sess.Role {
		return errors.Wrapf(apperrors.ErrRoleMismatch, "[Store.Save] session role %q, profile role %q", sess.Role, sess.Profile.Role)
	}

	profile, err := json.Marshal(sess.Profile)
	if err != nil {
		return errors.Wrap(err, "[Store.Save] json.Marshal")
	}
	values := map[string]string{
		KeyAccessToken:  sess.AccessToken,
		KeyRefreshToken: sess.RefreshToken,
		KeyProfile:      string(profile),
		KeyRole:         string(sess.Role),
	}

	if err := write(s.local, localKeys, values); err != nil {
		s.clear()
		return errors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrStoreWrite, err), "[Store.Save] local")
	}

	err = write(s.mirror, mirrorKeys, values)
	if err != nil {
		log.Warn().Err(err).Msg("cookie mirror write failed, retrying")
		err = write(s.mirror, mirrorKeys, values)
	}
	if err != nil {
		s.clear()
		return errors.Wrap(fmt.Errorf("%w: %w", apperrors.ErrStoreWrite, err), "[Store.Save] mirror")
	}
	return nil
}

// Load reads the session from the local store. It returns nil, nil when no session exists.
// Half-written or profile-less sessions are cleared and reported as ErrCorruptSession.
func (s *Store) Load() (*Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := read(s.local, localKeys)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.Load]")
	}

	access, refresh := values[KeyAccessToken], values[KeyRefreshToken]
	if access == "" && refresh == "" {
		if values[KeyProfile] != "" || values[KeyRole] != "" {
			s.clear()
		}
		return nil, nil
	}

	corrupt := func(reason string) (*Session, error) {
		s.clear()
		return nil, errors.Wrap(fmt.Errorf("%w: %s", apperrors.ErrCorruptSession, reason), "[Store.Load]")
	}

	if access == "" || refresh == "" {
		return corrupt("unpaired token")
	}
	if values[KeyProfile] == "" {
		return corrupt("token without profile")
	}
	var profile Profile
	if err := json.Unmarshal([]byte(values[KeyProfile]), &profile); err != nil {
		return corrupt("undecodable profile")
	}
	role := Role(values[KeyRole])
	if !role.Valid() || role != profile.Role {
		return corrupt("role flag does not match profile")
	}

	return &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		Profile:      profile,
		Role:         role,
	}, nil
}

// Clear removes every key from both stores. Safe to call on empty stores.
func (s *Store) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.clear()
}

func (s *Store) clear() error {
	var errs []error
	for _, key := range localKeys {
		if err := s.local.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", s.local.Name(), key, err))
		}
	}
	for _, key := range mirrorKeys {
		if err := s.mirror.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", s.mirror.Name(), key, err))
		}
	}
	if len(errs) > 0 {
		err := apperrors.Join(errs...)
		log.Err(err).Msg("credential store clear incomplete")
		return fmt.Errorf("%w: %w", apperrors.ErrStoreWrite, err)
	}
	return nil
}

// CheckConsistency reports ErrStoreDivergence when the stores disagree on whether a session
// exists or on its role.
func (s *Store) CheckConsistency() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	local, err := read(s.local, []string{KeyAccessToken, KeyRole})
	if err != nil {
		return errors.Wrap(err, "[Store.CheckConsistency] local")
	}
	mirror, err := read(s.mirror, []string{KeyAccessToken, KeyRole})
	if err != nil {
		return errors.Wrap(err, "[Store.CheckConsistency] mirror")
	}

	localPresent, mirrorPresent := local[KeyAccessToken] != "", mirror[KeyAccessToken] != ""
	if localPresent != mirrorPresent {
		return fmt.Errorf("%w: %s present=%t, %s present=%t", apperrors.ErrStoreDivergence,
			s.local.Name(), localPresent, s.mirror.Name(), mirrorPresent)
	}
	if localPresent && local[KeyRole] != mirror[KeyRole] {
		return fmt.Errorf("%w: role %q vs %q", apperrors.ErrStoreDivergence, local[KeyRole], mirror[KeyRole])
	}
	return nil
}

// Resync rewrites the mirror from the local store, or clears it when there is no session.
func (s *Store) Resync() error {
	sess, err := s.Load()
	if err != nil && !errors.Is(err, apperrors.ErrCorruptSession) {
		return err
	}
	if sess == nil {
		return s.Clear()
	}
	return s.Save(sess)
}

// MirrorPresence is a read-only view of the cookie mirror.
func (s *Store) MirrorPresence() (bool, Role, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	values, err := read(s.mirror, mirrorKeys)
	if err != nil {
		return false, "", errors.Wrap(err, "[Store.MirrorPresence]")
	}
	present := values[KeyAccessToken] != "" && values[KeyRefreshToken] != ""
	return present, Role(values[KeyRole]), nil
}

func write(kv KV, keys []string, values map[string]string) error {
	for _, key := range keys {
		if err := kv.Set(key, values[key]); err != nil {
			return fmt.Errorf("%s set %s: %w", kv.Name(), key, err)
		}
	}
	return nil
}

func read(kv KV, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		v, ok, err := kv.Get(key)
		if err != nil {
			return nil, fmt.Errorf("%s get %s: %w", kv.Name(), key, err)
		}
		if ok {
			values[key] = v
		}
	}
	return values, nil
}
