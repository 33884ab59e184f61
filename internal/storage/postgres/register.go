package postgres

import "dupscan/internal/storage"

func init() {
	storage.Register("postgres", New)
}
