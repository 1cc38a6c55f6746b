package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	live := map[Status]bool{
		StatusStarting: false,
		StatusRunning:  true,
		StatusHealthy:  true,
		StatusStopping: false,
		StatusStopped:  false,
		StatusUnknown:  false,
	}

	for s, want := range live {
		assert.Equal(t, want, s.IsLive(), "%s", s)
		assert.Equal(t, s == StatusStopped, s.IsTerminal(), "%s", s)
	}
}
