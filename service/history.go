package service

import (
	"fmt"

	"ansible-chroot/rundb"
)

// History returns the n most recent runs, newest first. n <= 0 returns
// all of them.
func (s *Service) History(n int) ([]rundb.RunRecord, error) {
	db := s.database()
	if db == nil {
		return nil, fmt.Errorf("run history unavailable: cannot open %s", s.cfg.Database.Path)
	}
	return db.Recent(n)
}
