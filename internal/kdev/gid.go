package kdev

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/bluerdma/goverbs/internal/verbs"
)

// GIDTableSize is the per-device GID table capacity. The whole table is
// reported through port attributes; validation uses the same bound.
const GIDTableSize = 16

// EUI64GID derives the link-local address for a MAC: the fe80::/64
// prefix with the EUI-64 interface identifier (universal/local bit
// flipped, fffe stuffed between the OUI and the serial).
func EUI64GID(mac net.HardwareAddr) verbs.GID {
	var g verbs.GID
	if len(mac) != 6 {
		return g
	}
	g[0] = 0xfe
	g[1] = 0x80
	g[8] = mac[0] ^ 0x02
	g[9] = mac[1]
	g[10] = mac[2]
	g[11] = 0xff
	g[12] = 0xfe
	g[13] = mac[3]
	g[14] = mac[4]
	g[15] = mac[5]
	return g
}

type gidEntry struct {
	gid   verbs.GID
	valid bool
}

// gidTable holds one device's GID slots. A single mutex guards every
// inspection and mutation; it is held only for the table access itself,
// never across a call back out of the package.
type gidTable struct {
	mu      sync.Mutex
	entries [GIDTableSize]gidEntry
}

func (t *gidTable) query(index int) (verbs.GID, error) {
	if index < 0 || index >= GIDTableSize {
		return verbs.GID{}, fmt.Errorf("gid index %d: %w", index, verbs.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[index]
	if !e.valid {
		return verbs.GID{}, fmt.Errorf("gid index %d: %w", index, verbs.ErrAddrUnavailable)
	}
	return e.gid, nil
}

func (t *gidTable) add(index int, gid verbs.GID) error {
	if index < 0 || index >= GIDTableSize {
		return fmt.Errorf("gid index %d: %w", index, verbs.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[index] = gidEntry{gid: gid, valid: true}
	return nil
}

// del marks the slot invalid. The stored bytes stay in place; they are
// unreadable once the flag drops.
func (t *gidTable) del(index int) error {
	if index < 0 || index >= GIDTableSize {
		return fmt.Errorf("gid index %d: %w", index, verbs.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[index].valid = false
	return nil
}

// render prints the valid entries one per line, the gids attribute file
// format.
func (t *gidTable) render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for i := range t.entries {
		if t.entries[i].valid {
			b.WriteString(t.entries[i].gid.String())
			b.WriteByte('\n')
		}
	}
	return b.String()
}
