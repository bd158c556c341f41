package dcl

import (
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
	"github.com/Mindburn-Labs/govern/pkg/fsio"
	"github.com/Mindburn-Labs/govern/pkg/state"
)

// Runtime format versions pinned by the config lock.
const (
	ModeDCL                 = "dcl"
	HashAlgorithmSHA256     = "sha256"
	CanonicalizationVersion = "1.0"
	DCLVersion              = "1.0"
)

// ConfigFileName is the lock document inside <root>/dcl/.
const ConfigFileName = "dcl-config.json"

// Config is the lock document written at init. A runtime refuses to
// operate on a root whose lock disagrees with its own formats.
type Config struct {
	Mode                    string `json:"mode"`
	HashAlgorithm           string `json:"hash_algorithm"`
	CanonicalizationVersion string `json:"canonicalization_version"`
	DCLVersion              string `json:"dcl_version"`
	StateSchemaVersion      string `json:"state_schema_version"`
	ConstitutionHash        string `json:"constitution_hash,omitempty"`
}

// NewConfig builds the lock for the current runtime formats.
func NewConfig(constitutionHash string) Config {
	return Config{
		Mode:                    ModeDCL,
		HashAlgorithm:           HashAlgorithmSHA256,
		CanonicalizationVersion: CanonicalizationVersion,
		DCLVersion:              DCLVersion,
		StateSchemaVersion:      state.SchemaVersion,
		ConstitutionHash:        constitutionHash,
	}
}

func (s *Store) configPath() string {
	return filepath.Join(s.root, "dcl", ConfigFileName)
}

// WriteConfig persists the lock document. Called once by init.
func (s *Store) WriteConfig(cfg Config) error {
	return fsio.WithRetry(func() error {
		return fsio.WriteJSONAtomic(s.configPath(), cfg)
	})
}

// ReadConfig loads the lock document.
func (s *Store) ReadConfig() (Config, error) {
	var cfg Config
	if err := fsio.ReadJSON(s.configPath(), &cfg); err != nil {
		if errcode.CodeOf(err) == errcode.NotFound {
			return Config{}, errcode.New(errcode.IntegrityFailure, errcode.SubConfigLock,
				"dcl-config lock missing; run init first")
		}
		return Config{}, err
	}
	return cfg, nil
}

// CheckConfig refuses to proceed when the lock disagrees with the
// running binary. Version fields gate on major version.
func (s *Store) CheckConfig() (Config, error) {
	cfg, err := s.ReadConfig()
	if err != nil {
		return Config{}, err
	}
	if cfg.Mode != ModeDCL {
		return Config{}, errcode.New(errcode.IntegrityFailure, errcode.SubConfigLock,
			"unsupported mode %q", cfg.Mode)
	}
	if cfg.HashAlgorithm != HashAlgorithmSHA256 {
		return Config{}, errcode.New(errcode.IntegrityFailure, errcode.SubConfigLock,
			"unsupported hash algorithm %q", cfg.HashAlgorithm)
	}
	for field, pair := range map[string][2]string{
		"canonicalization_version": {cfg.CanonicalizationVersion, CanonicalizationVersion},
		"dcl_version":              {cfg.DCLVersion, DCLVersion},
		"state_schema_version":     {cfg.StateSchemaVersion, state.SchemaVersion},
	} {
		if err := checkMajor(field, pair[0], pair[1]); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func checkMajor(field, got, want string) error {
	gv, err := semver.NewVersion(got)
	if err != nil {
		return errcode.New(errcode.IntegrityFailure, errcode.SubConfigLock,
			"%s %q is not a version", field, got)
	}
	wv := semver.MustParse(want)
	if gv.Major() != wv.Major() {
		return errcode.New(errcode.IntegrityFailure, errcode.SubConfigLock,
			"%s %s incompatible with runtime %s", field, got, want)
	}
	return nil
}
