package serverconfig

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// GenerateTOML renders cfg as a TOML configuration file. Secrets are
// blanked.
func GenerateTOML(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}

	redacted := *cfg
	if redacted.Server.AdminToken != "" {
		redacted.Server.AdminToken = "<redacted>"
	}
	if redacted.Credentials.SecretKey != "" {
		redacted.Credentials.SecretKey = "<redacted>"
	}

	buf := new(bytes.Buffer)
	encoder := toml.NewEncoder(buf)
	encoder.SetIndentTables(true)

	if err := encoder.Encode(&redacted); err != nil {
		return nil, fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return buf.Bytes(), nil
}
