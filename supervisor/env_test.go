package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"miren.dev/workspace/creds"
)

func TestEnvironment(t *testing.T) {
	t.Run("missing credentials render empty", func(t *testing.T) {
		r := require.New(t)

		env := Environment(EnvInput{BucketRef: "b1", AuthToken: "tok"})

		r.Equal(map[string]string{
			"STORAGE_ACCESS_KEY_ID":     "",
			"STORAGE_SECRET_ACCESS_KEY": "",
			"STORAGE_ACCOUNT_ID":        "",
			"STORAGE_ENDPOINT":          "",
			"STORAGE_BUCKET":            "b1",
			"SYNC_ENABLED":              "false",
			"SYNC_MODE":                 "disabled",
			"SANDBOX_PORT":              "8080",
			"SANDBOX_AUTH_TOKEN":        "tok",
		}, env)
	})

	t.Run("full input", func(t *testing.T) {
		r := require.New(t)

		env := Environment(EnvInput{
			BucketRef: "b1",
			Credentials: creds.Credentials{
				AccessKey:  "ak",
				SecretKey:  "sk",
				AccountRef: "acct",
				Endpoint:   "https://storage.example.com",
			},
			SyncEnabled: true,
			TabLayout:   []TabSpec{{Title: "shell", Command: "bash"}, {Title: "logs", Cwd: "/var/log"}},
			AuthToken:   "tok",
		})

		r.Equal("ak", env["STORAGE_ACCESS_KEY_ID"])
		r.Equal("sk", env["STORAGE_SECRET_ACCESS_KEY"])
		r.Equal("acct", env["STORAGE_ACCOUNT_ID"])
		r.Equal("https://storage.example.com", env["STORAGE_ENDPOINT"])
		r.Equal("true", env["SYNC_ENABLED"])
		r.Equal("bidirectional", env["SYNC_MODE"])
		r.JSONEq(`[{"title":"shell","command":"bash"},{"title":"logs","cwd":"/var/log"}]`, env["TAB_LAYOUT"])
	})
}
