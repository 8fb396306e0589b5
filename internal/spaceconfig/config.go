// Package spaceconfig loads the static participant table a space starts
// with: ids, bearer tokens (or Argon2id hashes of them), and initial
// capability sets (spec §6 "Space configuration").
package spaceconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rjcorwin/mew-gateway/internal/pattern"
)

// ParticipantType is informative metadata the core does not interpret
// itself; it exists for the process-supervision collaborator named in
// spec §6 ("other fields belong to the process-supervision collaborator").
type ParticipantType string

const (
	ParticipantHuman  ParticipantType = "human"
	ParticipantAgent  ParticipantType = "agent"
	ParticipantBridge ParticipantType = "bridge"
)

// Participant is one entry in a space's static participant table.
type Participant struct {
	ID string `yaml:"-"`

	// Tokens are plaintext bearer tokens accepted for this participant
	// (spec §6 "tokens: [..]"). Dev-friendly; prefer TokenHashes in
	// production.
	Tokens []string `yaml:"tokens,omitempty"`

	// TokenHashes are Argon2id PHC-format hashes of accepted bearer
	// tokens, verified via internal/secpassword (SPEC_FULL.md §3.3
	// "Token-at-rest hashing").
	TokenHashes []string `yaml:"token_hashes,omitempty"`

	Capabilities []pattern.Capability `yaml:"capabilities"`

	Type      ParticipantType `yaml:"type,omitempty"`
	AutoStart bool            `yaml:"auto_start,omitempty"`
}

// Config is a fully loaded space configuration.
type Config struct {
	SpaceID   string `yaml:"id"`
	SpaceName string `yaml:"name"`

	// ParticipantsSource selects where the participant table is read
	// from. Empty (default) means Participants below is authoritative.
	// "postgres" directs the caller to also start a DynamicLoader
	// (postgres.go) that polls a database table instead.
	ParticipantsSource string `yaml:"participants_source,omitempty"`

	Participants map[string]Participant `yaml:"participants"`
}

type rawConfig struct {
	Space struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"space"`
	ParticipantsSource string                 `yaml:"participants_source"`
	Participants       map[string]Participant `yaml:"participants"`
}

// Load reads and parses a space configuration file (spec §6, YAML).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("spaceconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a Config, validating the invariants
// spec §4.3/§6 depend on (capability patterns compile, no system/*
// capability is preloaded).
func Parse(data []byte) (Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("spaceconfig: parse: %w", err)
	}
	if raw.Space.ID == "" {
		return Config{}, fmt.Errorf("spaceconfig: space.id is required")
	}

	for id, p := range raw.Participants {
		p.ID = id
		if len(p.Tokens) == 0 && len(p.TokenHashes) == 0 {
			return Config{}, fmt.Errorf("spaceconfig: participant %q has neither tokens nor token_hashes", id)
		}
		for _, c := range p.Capabilities {
			if _, err := pattern.Compile(c); err != nil {
				return Config{}, fmt.Errorf("spaceconfig: participant %q: %w", id, err)
			}
		}
		raw.Participants[id] = p
	}

	return Config{
		SpaceID:            raw.Space.ID,
		SpaceName:          raw.Space.Name,
		ParticipantsSource: raw.ParticipantsSource,
		Participants:       raw.Participants,
	}, nil
}
