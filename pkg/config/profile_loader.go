package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StudyProfile is a per-study policy overlay: sync tolerances, paging and
// retention tuned to one trial protocol rather than one deployment.
type StudyProfile struct {
	Name         string          `yaml:"name" json:"name"`
	Code         string          `yaml:"code" json:"code"`
	SchemaRange  string          `yaml:"schema_range,omitempty" json:"schema_range,omitempty"`
	Sync         SyncConfig      `yaml:"sync" json:"sync"`
	Query        QueryConfig     `yaml:"query" json:"query"`
	Retention    RetentionConfig `yaml:"retention" json:"retention"`
	Verification VerifyConfig    `yaml:"verification" json:"verification"`
	Sites        []string        `yaml:"sites,omitempty" json:"sites,omitempty"`
}

// SyncConfig tunes offline reconciliation per study.
type SyncConfig struct {
	SkewTolerance time.Duration `yaml:"skew_tolerance" json:"skew_tolerance"`
	MaxBatch      int           `yaml:"max_batch,omitempty" json:"max_batch,omitempty"`
}

// QueryConfig tunes read paging.
type QueryConfig struct {
	PageSize int `yaml:"page_size" json:"page_size"`
}

// RetentionConfig defines how long ledger data must be kept. The ledger
// itself never deletes; these bounds drive archival tooling.
type RetentionConfig struct {
	MinYears     int `yaml:"min_years" json:"min_years"`
	AuditLogDays int `yaml:"audit_log_days,omitempty" json:"audit_log_days,omitempty"`
}

// VerifyConfig tunes the chain verifier sweep.
type VerifyConfig struct {
	ChunkSize int           `yaml:"chunk_size" json:"chunk_size"`
	Interval  time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// LoadProfile loads one study profile YAML by study code. It looks for
// profile_<code>.yaml in the profiles directory.
func LoadProfile(profilesDir, code string) (*StudyProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile StudyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*StudyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*StudyProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile StudyProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			// profile_acme01.yaml -> acme01
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// ApplyTo overlays the profile's tunables onto cfg, leaving unset fields
// at their environment values.
func (p *StudyProfile) ApplyTo(cfg *Config) {
	if p.Sync.SkewTolerance > 0 {
		cfg.SkewTolerance = p.Sync.SkewTolerance
	}
	if p.Query.PageSize > 0 {
		cfg.PageSize = p.Query.PageSize
	}
}
