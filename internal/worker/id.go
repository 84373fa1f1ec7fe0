package worker

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a worker id of the form <hostname>-<uuid>.
func NewID() string {
	host, err := os.Hostname()
	host = strings.TrimSpace(host)
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()
}
