package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "casefile.yml"

// Config models casefile.yml.
type Config struct {
	Consultant struct {
		Name       string `yaml:"name" json:"name"`
		Document   string `yaml:"document" json:"document"`
		PaymentKey string `yaml:"payment_key" json:"payment_key"`
		Bank       string `yaml:"bank" json:"bank"`
		City       string `yaml:"city" json:"city"`
	} `yaml:"consultant" json:"consultant"`
	Catalog struct {
		DocumentTypes []string `yaml:"document_types" json:"document_types"`
		ClaimTypes    []string `yaml:"claim_types" json:"claim_types"`
	} `yaml:"catalog" json:"catalog"`
	Admin struct {
		Password     string   `yaml:"password" json:"-"`
		PasswordHash string   `yaml:"password_hash" json:"-"`
		SessionTTL   Duration `yaml:"session_ttl" json:"session_ttl"`
	} `yaml:"admin" json:"admin"`
	Storage struct {
		SignedDir string `yaml:"signed_dir" json:"signed_dir"`
	} `yaml:"storage" json:"storage"`
	Lookup struct {
		MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
		Window      Duration `yaml:"window" json:"window"`
	} `yaml:"lookup" json:"lookup"`
}

// Duration reads "15m"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with cf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := checkList("catalog.document_types", c.Catalog.DocumentTypes); err != nil {
		return err
	}
	if err := checkList("catalog.claim_types", c.Catalog.ClaimTypes); err != nil {
		return err
	}
	if c.Admin.Password != "" && c.Admin.PasswordHash != "" {
		return errors.New("config.admin: set either password or password_hash, not both")
	}
	if c.Admin.SessionTTL < 0 {
		return errors.New("config.admin.session_ttl must not be negative")
	}
	if c.Lookup.MaxAttempts < 0 {
		return errors.New("config.lookup.max_attempts must not be negative")
	}
	if c.Lookup.Window < 0 {
		return errors.New("config.lookup.window must not be negative")
	}
	return nil
}

func checkList(field string, values []string) error {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			return fmt.Errorf("config.%s contains an empty entry", field)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("config.%s lists %q twice", field, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

// AllowsDocumentType reports whether t is in the catalog. An empty catalog allows anything.
func (c *Config) AllowsDocumentType(t string) bool {
	return len(c.Catalog.DocumentTypes) == 0 || slices.Contains(c.Catalog.DocumentTypes, t)
}

// AllowsClaimType reports whether t is in the catalog. An empty catalog allows anything.
func (c *Config) AllowsClaimType(t string) bool {
	return len(c.Catalog.ClaimTypes) == 0 || slices.Contains(c.Catalog.ClaimTypes, t)
}

func (c *Config) SessionTTL() time.Duration {
	if c.Admin.SessionTTL > 0 {
		return c.Admin.SessionTTL.Std()
	}
	return 12 * time.Hour
}

func (c *Config) LookupLimit() (int, time.Duration) {
	attempts, window := c.Lookup.MaxAttempts, c.Lookup.Window.Std()
	if attempts == 0 {
		attempts = 10
	}
	if window == 0 {
		window = time.Minute
	}
	return attempts, window
}

// SignedDir resolves the signed contract directory against the workspace.
func (c *Config) SignedDir(workspace string) string {
	dir := c.Storage.SignedDir
	if dir == "" {
		dir = filepath.Join(".casefile", "signed")
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `consultant:
  name: ""
  document: ""
  payment_key: ""
  bank: ""
  city: Medellín

catalog:
  document_types:
    - Cédula de Ciudadanía
    - Cédula de Extranjería
    - Pasaporte
  claim_types:
    - Solicitud de Ajustes Razonables
    - Reclamación por reporte negativo
    - Derecho de Petición
    - Otro

admin:
  # set password, or password_hash with a bcrypt hash
  password: ""
  password_hash: ""
  session_ttl: 12h

storage:
  signed_dir: .casefile/signed

lookup:
  max_attempts: 10
  window: 1m
`
