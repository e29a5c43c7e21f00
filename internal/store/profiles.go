package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/srg/keytap/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	ProfilesFileName = "profiles.yaml"
	profilesVersion  = 1
)

var (
	ErrProfileExists   = errors.New("profile already exists")
	ErrProfileNotFound = errors.New("profile not found")
)

// Sealer encrypts tokens before they are written to disk.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Unseal(text string) ([]byte, error)
}

// Profile is a named peripheral configuration. Token holds the sealed token.
type Profile struct {
	Name               string    `yaml:"-"`
	ServiceUUID        string    `yaml:"service_uuid"`
	CharacteristicUUID string    `yaml:"characteristic_uuid"`
	Token              string    `yaml:"token"`
	Address            string    `yaml:"address,omitempty"`
	CreatedAt          time.Time `yaml:"created_at"`
}

// NewProfile is the input to ProfileStore.Add. Token is in plain text.
type NewProfile struct {
	Name               string
	ServiceUUID        string
	CharacteristicUUID string
	Token              string
	Address            string
}

type profilesFile struct {
	Version  int                                     `yaml:"version"`
	Profiles *orderedmap.OrderedMap[string, Profile] `yaml:"profiles"`
}

// ProfileStore keeps profiles in insertion order in a single YAML file.
type ProfileStore struct {
	mu     sync.Mutex
	path   string
	sealer Sealer
	now    func() time.Time
}

// NewProfileStore creates a store for dataDir.
func NewProfileStore(dataDir string, sealer Sealer) *ProfileStore {
	return &ProfileStore{
		path:   filepath.Join(dataDir, ProfilesFileName),
		sealer: sealer,
		now:    time.Now,
	}
}

func (s *ProfileStore) load() (*orderedmap.OrderedMap[string, Profile], error) {
	var f profilesFile
	if _, err := readYAML(s.path, &f); err != nil {
		return nil, err
	}
	if f.Profiles == nil {
		f.Profiles = orderedmap.New[string, Profile]()
	}
	for pair := f.Profiles.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Name = pair.Key
	}
	return f.Profiles, nil
}

func (s *ProfileStore) save(profiles *orderedmap.OrderedMap[string, Profile]) error {
	return writeYAML(s.path, profilesFile{Version: profilesVersion, Profiles: profiles})
}

// Add validates p, seals its token and stores it under p.Name.
func (s *ProfileStore) Add(p NewProfile) (Profile, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return Profile{}, fmt.Errorf("profile name is required")
	}
	service, err := device.ValidateServiceUUID(p.ServiceUUID)
	if err != nil {
		return Profile{}, fmt.Errorf("service: %w", err)
	}
	char, err := device.ValidateServiceUUID(p.CharacteristicUUID)
	if err != nil {
		return Profile{}, fmt.Errorf("characteristic: %w", err)
	}
	if p.Token == "" {
		return Profile{}, fmt.Errorf("token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	if _, exists := profiles.Get(name); exists {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileExists, name)
	}

	sealed, err := s.sealer.Seal([]byte(p.Token))
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{
		Name:               name,
		ServiceUUID:        service,
		CharacteristicUUID: char,
		Token:              sealed,
		Address:            strings.ToLower(strings.TrimSpace(p.Address)),
		CreatedAt:          s.now().UTC(),
	}
	profiles.Set(name, profile)
	if err := s.save(profiles); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Get returns the named profile with its token still sealed.
func (s *ProfileStore) Get(name string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return Profile{}, err
	}
	p, ok := profiles.Get(name)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return p, nil
}

// Token returns the plain-text token of the named profile.
func (s *ProfileStore) Token(name string) (string, error) {
	p, err := s.Get(name)
	if err != nil {
		return "", err
	}
	token, err := s.sealer.Unseal(p.Token)
	if err != nil {
		return "", fmt.Errorf("profile %s: %w", name, err)
	}
	return string(token), nil
}

// List returns every profile in the order it was added.
func (s *ProfileStore) List() ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, profiles.Len())
	for pair := profiles.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out, nil
}

// Remove deletes the named profile.
func (s *ProfileStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := profiles.Delete(name); !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return s.save(profiles)
}
