package remote

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultServer is used when no credentials file exists.
const DefaultServer = "https://server.chipflow.dev"

// Credentials is the JSON credentials file.
type Credentials struct {
	Address  string `json:"address"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "chipflow")
}

// DefaultCredentialsPath resolves $XDG_CONFIG_HOME/chipflow/credentials.json
// or ~/.config/chipflow/credentials.json.
func DefaultCredentialsPath() string {
	return filepath.Join(configDir(), "credentials.json")
}

// LoadCredentials reads a credentials file. An empty path selects the
// default file; when that file does not exist the default server is used
// and fallback is true. An explicitly named file must exist.
func LoadCredentials(path string) (creds Credentials, fallback bool, err error) {
	explicit := path != ""
	if !explicit {
		path = DefaultCredentialsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		creds = Credentials{Address: DefaultServer}
		fallback = true
	case err != nil:
		return creds, false, setupError(err, "read credentials %s", path)
	default:
		if err := json.Unmarshal(data, &creds); err != nil {
			return creds, false, setupError(err, "parse credentials %s", path)
		}
	}
	if creds.Address == "" {
		return creds, false, setupError(nil, "credentials %s have no address", path)
	}
	applySecrets(&creds)
	return creds, fallback, nil
}

// WriteCredentials stores creds with owner-only permissions.
func WriteCredentials(path string, creds Credentials) error {
	if path == "" {
		path = DefaultCredentialsPath()
	}
	if creds.Address == "" {
		return setupError(nil, "address is required")
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// applySecrets lets CHIPFLOW_REMOTE_USER and CHIPFLOW_REMOTE_KEY, from the
// environment or from secrets.env next to the credentials, override the
// file so keys need not be stored in JSON.
func applySecrets(creds *Credentials) {
	secrets := loadSecretsEnv(filepath.Join(configDir(), "secrets.env"))
	for _, k := range []string{"CHIPFLOW_REMOTE_USER", "CHIPFLOW_REMOTE_KEY"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if v := secrets["CHIPFLOW_REMOTE_USER"]; v != "" {
		creds.Username = v
	}
	if v := secrets["CHIPFLOW_REMOTE_KEY"]; v != "" {
		creds.Password = v
	}
}

// loadSecretsEnv parses KEY=VALUE lines; # starts a comment. A missing file
// yields an empty map.
func loadSecretsEnv(path string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

// baseURL builds the server root. Without a scheme the port decides:
// 443 means https, anything else http.
func (c Credentials) baseURL() string {
	port := c.Port
	if port == 0 {
		port = 443
	}
	addr := strings.TrimRight(c.Address, "/")
	if !strings.HasPrefix(addr, "http") {
		scheme := "http"
		if port == 443 {
			scheme = "https"
		}
		addr = scheme + "://" + addr
	}
	return fmt.Sprintf("%s:%d", addr, port)
}
