package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/keytap/internal/vault"
	"github.com/stretchr/testify/suite"
)

const (
	testService = "7d2ea9a0-4c5e-4b8e-9f3a-1a2b3c4d5e6f"
	testChar    = "7d2ea9a1-4c5e-4b8e-9f3a-1a2b3c4d5e6f"
	testToken   = "550e8400-e29b-41d4-a716-446655440000"
)

type ProfileStoreTestSuite struct {
	suite.Suite
	dir   string
	vault *vault.Vault
	store *ProfileStore
}

func (s *ProfileStoreTestSuite) SetupTest() {
	var err error
	s.dir = s.T().TempDir()
	s.vault, err = vault.New(bytes.Repeat([]byte{7}, 32))
	s.Require().NoError(err)
	s.store = s.newStore()
}

func (s *ProfileStoreTestSuite) newStore() *ProfileStore {
	st := NewProfileStore(s.dir, s.vault)
	st.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return st
}

func (s *ProfileStoreTestSuite) add(name string) Profile {
	p, err := s.store.Add(NewProfile{
		Name:               name,
		ServiceUUID:        testService,
		CharacteristicUUID: testChar,
		Token:              testToken,
	})
	s.Require().NoError(err)
	return p
}

func (s *ProfileStoreTestSuite) TestEmptyStore() {
	profiles, err := s.store.List()
	s.Require().NoError(err, "a missing file MUST read as an empty store")
	s.Empty(profiles)
}

func (s *ProfileStoreTestSuite) TestAddSealsToken() {
	// GOAL: Verify tokens never reach the disk in plain text
	//
	// TEST SCENARIO: Add a profile → file holds a sealed token; Token returns the original

	p := s.add("front-door")
	s.NotEqual(testToken, p.Token, "returned profile MUST carry the sealed token")
	s.Equal("7d2ea9a04c5e4b8e9f3a1a2b3c4d5e6f", p.ServiceUUID, "UUIDs MUST be stored normalized")
	s.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), p.CreatedAt)

	data, err := os.ReadFile(filepath.Join(s.dir, ProfilesFileName))
	s.Require().NoError(err)
	s.NotContains(string(data), testToken, "profile file MUST NOT contain the plain token")
	s.Contains(string(data), "front-door:")

	info, err := os.Stat(filepath.Join(s.dir, ProfilesFileName))
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o600), info.Mode().Perm())

	token, err := s.newStore().Token("front-door")
	s.Require().NoError(err)
	s.Equal(testToken, token)
}

func (s *ProfileStoreTestSuite) TestListKeepsInsertionOrder() {
	for _, name := range []string{"garage", "back-door", "front-door"} {
		s.add(name)
	}

	profiles, err := s.newStore().List()
	s.Require().NoError(err)
	s.Require().Len(profiles, 3)
	s.Equal("garage", profiles[0].Name, "profiles MUST be listed in insertion order")
	s.Equal("back-door", profiles[1].Name)
	s.Equal("front-door", profiles[2].Name)
}

func (s *ProfileStoreTestSuite) TestAddRejectsDuplicatesAndBadInput() {
	s.add("front-door")

	_, err := s.store.Add(NewProfile{Name: "front-door", ServiceUUID: testService, CharacteristicUUID: testChar, Token: "x"})
	s.ErrorIs(err, ErrProfileExists)

	tests := []struct {
		name string
		in   NewProfile
		msg  string
	}{
		{"missing name", NewProfile{ServiceUUID: testService, CharacteristicUUID: testChar, Token: "x"}, "profile name is required"},
		{"short service", NewProfile{Name: "a", ServiceUUID: "180f", CharacteristicUUID: testChar, Token: "x"}, "service:"},
		{"bad characteristic", NewProfile{Name: "a", ServiceUUID: testService, CharacteristicUUID: "zz", Token: "x"}, "characteristic:"},
		{"missing token", NewProfile{Name: "a", ServiceUUID: testService, CharacteristicUUID: testChar}, "token is required"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.store.Add(tt.in)
			s.ErrorContains(err, tt.msg)
		})
	}
}

func (s *ProfileStoreTestSuite) TestAddressIsNormalized() {
	p, err := s.store.Add(NewProfile{
		Name:               "front-door",
		ServiceUUID:        testService,
		CharacteristicUUID: testChar,
		Token:              testToken,
		Address:            " AA:BB:CC:DD:EE:01 ",
	})
	s.Require().NoError(err)
	s.Equal("aa:bb:cc:dd:ee:01", p.Address)

	got, err := s.store.Get("front-door")
	s.Require().NoError(err)
	s.Equal(p, got, "stored profile MUST round-trip through the file")
}

func (s *ProfileStoreTestSuite) TestRemove() {
	s.add("front-door")
	s.add("garage")

	s.Require().NoError(s.store.Remove("front-door"))
	_, err := s.store.Get("front-door")
	s.ErrorIs(err, ErrProfileNotFound)

	profiles, err := s.store.List()
	s.Require().NoError(err)
	s.Len(profiles, 1)

	s.ErrorIs(s.store.Remove("front-door"), ErrProfileNotFound)
}

func (s *ProfileStoreTestSuite) TestTokenWithWrongKey() {
	s.add("front-door")

	other, err := vault.New(bytes.Repeat([]byte{8}, 32))
	s.Require().NoError(err)

	_, err = NewProfileStore(s.dir, other).Token("front-door")
	s.ErrorIs(err, vault.ErrDecrypt)
}

func (s *ProfileStoreTestSuite) TestCorruptFile() {
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, ProfilesFileName), []byte("profiles: [oops"), 0o600))
	_, err := s.store.List()
	s.ErrorContains(err, "failed to parse profiles.yaml")
}

func TestProfileStoreTestSuite(t *testing.T) {
	suite.Run(t, new(ProfileStoreTestSuite))
}
