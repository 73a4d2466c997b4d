package tagstore

import (
	"fmt"

	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/storage"
)

// migration upgrades the file at p holding t by one format version and
// returns the new path.
type migration func(s *Store, p string, t *models.Tag) (string, error)

var migrations = map[formatVersion]migration{
	formatV1: migrateV1,
}

// migrateV1 rewrites a legacy file at its per-type path. The new file is
// written atomically before the legacy file is removed, so an interrupted
// run leaves at most a duplicate that Scan cleans up.
func migrateV1(s *Store, p string, t *models.Tag) (string, error) {
	np := tagPath(t)
	if np == p {
		return p, nil
	}
	if !s.store.Exists(np) {
		if err := s.store.Write(np, encode(t)); err != nil {
			return "", fmt.Errorf("tagstore: migrate %s: %w", p, err)
		}
	}
	if err := s.store.Delete(p); err != nil && !storage.IsNotExist(err) {
		return "", fmt.Errorf("tagstore: remove legacy %s: %w", p, err)
	}
	return np, nil
}
