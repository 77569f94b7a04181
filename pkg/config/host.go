package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Default locations of the NVMe host identity files shared with nvme-cli.
const (
	DefaultHostNQNPath = "/etc/nvme/hostnqn"
	DefaultHostIDPath  = "/etc/nvme/hostid"
)

// Identity is the resolved NVMe host identity presented on every
// connection.
type Identity struct {
	NQN     string
	ID      string
	Symname string
}

// Resolve turns the host section into a concrete identity. Values with a
// file:// prefix are read from the named file. A missing or empty NQN or
// ID is generated in memory so the daemon can still come up; the
// generated values are not persisted (the hostnqn/hostid subcommands do
// that explicitly).
func (h Host) Resolve() (Identity, error) {
	nqn, err := resolveValue(h.NQN)
	if err != nil {
		return Identity{}, fmt.Errorf("host nqn: %v", err)
	}
	if nqn == "" {
		nqn = GenerateHostNQN()
	}
	if !strings.HasPrefix(nqn, "nqn.") {
		return Identity{}, fmt.Errorf("host nqn %q: must start with \"nqn.\"", nqn)
	}

	id, err := resolveValue(h.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("host id: %v", err)
	}
	if id == "" {
		id = GenerateHostID()
	}

	symname, err := resolveValue(h.Symname)
	if err != nil {
		return Identity{}, fmt.Errorf("host symname: %v", err)
	}

	return Identity{NQN: nqn, ID: id, Symname: symname}, nil
}

// resolveValue dereferences file:// values; a missing file is treated as
// an empty value, any other read failure is an error.
func resolveValue(v string) (string, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "file://") {
		return v, nil
	}

	path := strings.TrimPrefix(v, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// GenerateHostNQN returns a fresh UUID-based host NQN
func GenerateHostNQN() string {
	return "nqn.2014-08.org.nvmexpress:uuid:" + uuid.New().String()
}

// GenerateHostID returns a fresh host ID
func GenerateHostID() string {
	return uuid.New().String()
}

// WriteIdentityFile persists an identity value with the permissions
// nvme-cli uses for /etc/nvme files
func WriteIdentityFile(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %v", filepath.Dir(path), err)
	}
	return os.WriteFile(path, []byte(value+"\n"), 0644)
}
