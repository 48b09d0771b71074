package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadRetrievalProfile loads a named gating profile from the profiles
// directory. Profiles are stored as profile_<name>.yaml.
func LoadRetrievalProfile(profilesDir, name string) (*RetrievalProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	profile := DefaultRetrievalProfile()
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if profile.MinDocs < 0 || profile.MinTopScore < 0 || profile.MinTopScore > 1 {
		return nil, fmt.Errorf("profile %q: thresholds out of range", name)
	}
	return &profile, nil
}

// LoadAllRetrievalProfiles loads every profile_*.yaml in the directory,
// keyed by profile name. Used by `bundle export-profiles`.
func LoadAllRetrievalProfiles(profilesDir string) (map[string]*RetrievalProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RetrievalProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		profile := DefaultRetrievalProfile()
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}
