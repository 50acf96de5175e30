package mysql

import (
	"fmt"
	"os"
)

// WriteClusterConfig writes the cluster-scoped config fragment read by the
// engine at startup. It is regenerated before every start so the server id
// is always current.
func WriteClusterConfig(path string, serverID uint64) error {
	content := fmt.Sprintf(`# DO NOT EDIT - This file was generated automatically
[mysqld]
server_id=%d
gtid_mode=ON
enforce-gtid-consistency=ON
`, serverID)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write cluster config %s: %w", path, err)
	}
	return nil
}
