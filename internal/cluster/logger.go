package cluster

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger returns the hclog.Logger handed to Raft. Raft is chatty, so
// an empty level discards its output entirely.
func newRaftLogger(level string) hclog.Logger {
	if level == "" {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}
