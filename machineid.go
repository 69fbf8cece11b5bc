package dbusconn

import (
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	machineIDOnce  sync.Once
	machineIDValue string
)

// machineID returns the stable per-machine UUID that GetMachineId reports.
// It reads the systemd machine-id with the dbus path as fallback; a host
// without either gets a random per-process identifier in the same format.
func machineID() string {
	machineIDOnce.Do(func() {
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			b, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if id := strings.TrimSpace(string(b)); id != "" {
				machineIDValue = id
				return
			}
		}
		machineIDValue = strings.ReplaceAll(uuid.NewString(), "-", "")
	})
	return machineIDValue
}
