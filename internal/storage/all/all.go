// Package all links every storage backend into the binary.
package all

import (
	_ "dupscan/internal/storage/mssql"
	_ "dupscan/internal/storage/postgres"
	_ "dupscan/internal/storage/sqlite"
)
