package supervisor

import (
	"encoding/json"
	"strconv"

	"miren.dev/workspace/creds"
)

// SandboxPort is the port every sandbox listens on internally.
const SandboxPort = 8080

type EnvInput struct {
	BucketRef   string
	Credentials creds.Credentials
	SyncEnabled bool
	TabLayout   []TabSpec
	AuthToken   string
}

// Environment derives the environment handed to the sandbox at start. It
// never fails: missing credentials render as empty strings and the sandbox
// is expected to degrade on its own.
func Environment(in EnvInput) map[string]string {
	mode := "disabled"
	if in.SyncEnabled {
		mode = "bidirectional"
	}

	env := map[string]string{
		"STORAGE_ACCESS_KEY_ID":     in.Credentials.AccessKey,
		"STORAGE_SECRET_ACCESS_KEY": in.Credentials.SecretKey,
		"STORAGE_ACCOUNT_ID":        in.Credentials.AccountRef,
		"STORAGE_ENDPOINT":          in.Credentials.Endpoint,
		"STORAGE_BUCKET":            in.BucketRef,
		"SYNC_ENABLED":              strconv.FormatBool(in.SyncEnabled),
		"SYNC_MODE":                 mode,
		"SANDBOX_PORT":              strconv.Itoa(SandboxPort),
		"SANDBOX_AUTH_TOKEN":        in.AuthToken,
	}

	if len(in.TabLayout) > 0 {
		// A slice of plain structs always encodes.
		data, _ := json.Marshal(in.TabLayout)
		env["TAB_LAYOUT"] = string(data)
	}

	return env
}
