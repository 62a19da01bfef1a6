// Package inventory keeps a fabric-wide registry of emulated adapters in
// rqlite. Servers register their device's GID and data path endpoint so
// peers and operators can discover them; the store is shared state, the
// adapters themselves stay process-local.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// Record describes one registered adapter.
type Record struct {
	GID         string
	Device      string
	Host        string
	Addr        string // data path endpoint, host:port
	MAC         string
	LastUpdated string // RFC3339, written by Register
}

// Inventory is a handle to the shared device registry.
type Inventory struct {
	conn *gorqlite.Connection
}

// New connects to rqlite at dbURI and creates the schema if it is not
// there yet.
func New(dbURI string) (*Inventory, error) {
	log.Info().Str("dbURI", dbURI).Msg("Connecting to fabric inventory")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	inv := &Inventory{conn: conn}
	if err := inv.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return inv, nil
}

func (inv *Inventory) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS devices (
		gid TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		host TEXT NOT NULL,
		addr TEXT NOT NULL,
		mac TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);
	`
	createIndexSQL := `
	CREATE INDEX IF NOT EXISTS idx_devices_host ON devices (host);
	`

	if _, err := inv.conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create devices table: %w", err)
	}
	if _, err := inv.conn.WriteOne(createIndexSQL); err != nil {
		return fmt.Errorf("failed to create host index: %w", err)
	}
	return nil
}

// Close releases the rqlite connection.
func (inv *Inventory) Close() error {
	if inv.conn != nil {
		inv.conn.Close()
	}
	return nil
}

// Register upserts an adapter record keyed by GID and stamps it with the
// current time.
func (inv *Inventory) Register(ctx context.Context, rec Record) error {
	log.Info().
		Str("gid", rec.GID).
		Str("device", rec.Device).
		Str("host", rec.Host).
		Msg("Registering device")

	upsertSQL := `
	INSERT OR REPLACE INTO devices
	(gid, device, host, addr, mac, last_updated)
	VALUES (?, ?, ?, ?, ?, ?);
	`
	now := time.Now().UTC().Format(time.RFC3339)

	stmt := gorqlite.ParameterizedStatement{
		Query:     upsertSQL,
		Arguments: []interface{}{rec.GID, rec.Device, rec.Host, rec.Addr, rec.MAC, now},
	}
	if _, err := inv.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

// List returns every registered adapter ordered by host and device name.
func (inv *Inventory) List(ctx context.Context) ([]Record, error) {
	querySQL := `
	SELECT gid, device, host, addr, mac, last_updated
	FROM devices
	ORDER BY host, device;
	`
	result, err := inv.conn.QueryOne(querySQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var recs []Record
	for result.Next() {
		var r Record
		if err := result.Scan(&r.GID, &r.Device, &r.Host, &r.Addr, &r.MAC, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// Lookup returns the record for a GID, or false when none is registered.
func (inv *Inventory) Lookup(ctx context.Context, gid string) (Record, bool, error) {
	querySQL := `
	SELECT gid, device, host, addr, mac, last_updated
	FROM devices
	WHERE gid = ?
	LIMIT 1;
	`
	stmt := gorqlite.ParameterizedStatement{
		Query:     querySQL,
		Arguments: []interface{}{gid},
	}
	result, err := inv.conn.QueryOneParameterized(stmt)
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to query device: %w", err)
	}
	if !result.Next() {
		return Record{}, false, nil
	}
	var r Record
	if err := result.Scan(&r.GID, &r.Device, &r.Host, &r.Addr, &r.MAC, &r.LastUpdated); err != nil {
		return Record{}, false, fmt.Errorf("failed to scan row: %w", err)
	}
	return r, true, nil
}

// Remove deletes the record for a GID. Removing an unknown GID is not an
// error.
func (inv *Inventory) Remove(ctx context.Context, gid string) error {
	log.Info().Str("gid", gid).Msg("Removing device")

	deleteSQL := `
	DELETE FROM devices
	WHERE gid = ?;
	`
	stmt := gorqlite.ParameterizedStatement{
		Query:     deleteSQL,
		Arguments: []interface{}{gid},
	}
	if _, err := inv.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}
	return nil
}
