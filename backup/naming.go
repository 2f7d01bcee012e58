package backup

import (
	"fmt"

	"github.com/cloudpg/cloudpg/blob"
)

// DataTablespace is the pseudo-tablespace name for the main data directory.
const DataTablespace = "data"

// backupPrefix returns the object key prefix shared by all objects of one
// backup.
func backupPrefix(serverName, backupID string) string {
	return fmt.Sprintf("%s/base/%s/", serverName, backupID)
}

// segmentKey derives the deterministic object key for an archive segment.
func segmentKey(serverName, backupID, tablespace string, index int, mode CompressionMode) blob.ID {
	return blob.ID(fmt.Sprintf("%s%s_%04d.tar%s", backupPrefix(serverName, backupID), tablespace, index, mode.Suffix()))
}

// labelKey derives the object key for the backup-label pseudo-segment.
func labelKey(serverName, backupID string) blob.ID {
	return blob.ID(backupPrefix(serverName, backupID) + "backup_label")
}

// tablespaceMapKey derives the object key for the tablespace-map
// pseudo-segment.
func tablespaceMapKey(serverName, backupID string) blob.ID {
	return blob.ID(backupPrefix(serverName, backupID) + "tablespace_map")
}
