package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errorNotifyEvery bounds notification spam for a persistent failure: the
// first occurrence notifies, then every 12th identical repeat does.
const errorNotifyEvery = 12

// Store owns all durable records. Every operation commits immediately;
// callers never hold a store transaction across a network or subprocess call.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path, syncs the schema and
// seeds the bootstrap admin set.
func Open(path string, bootstrapAdminIDs []string) (*Store, error) {
	gdb, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := syncSchema(gdb); err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	s := &Store{db: gdb}
	if err := s.seedAdmins(bootstrapAdminIDs); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) seedAdmins(ids []string) error {
	now := time.Now().UTC().Unix()
	for _, id := range ids {
		row := Admin{UserID: id, AddedAt: now}
		if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// -- Admins --

func (s *Store) IsAdmin(userID string) (bool, error) {
	var count int64
	err := s.db.Model(&Admin{}).Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

func (s *Store) AddAdmin(userID string) error {
	row := Admin{UserID: userID, AddedAt: time.Now().UTC().Unix()}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// -- Server allow-list --

func (s *Store) IsServerAllowed(serverID string) (bool, error) {
	var count int64
	err := s.db.Model(&AllowedServer{}).Where("server_id = ?", serverID).Count(&count).Error
	return count > 0, err
}

func (s *Store) ApproveServer(serverID, serverName, approvedBy string) error {
	row := AllowedServer{
		ServerID:   serverID,
		ServerName: serverName,
		ApprovedBy: approvedBy,
		ApprovedAt: time.Now().UTC().Unix(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"server_name": row.ServerName,
			"approved_by": row.ApprovedBy,
			"approved_at": row.ApprovedAt,
		}),
	}).Create(&row).Error
}

// RevokeServer removes a server and cascades to its games and their issues.
func (s *Store) RevokeServer(serverID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var gameIDs []uint
		if err := tx.Model(&Game{}).Where("server_id = ?", serverID).Pluck("id", &gameIDs).Error; err != nil {
			return err
		}
		if len(gameIDs) > 0 {
			if err := tx.Where("game_id IN ?", gameIDs).Delete(&Issue{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("server_id = ?", serverID).Delete(&Game{}).Error; err != nil {
			return err
		}
		return tx.Where("server_id = ?", serverID).Delete(&AllowedServer{}).Error
	})
}

// -- Games --

func (s *Store) AddGame(g Game) (Game, error) {
	g.ID = 0
	g.CreatedAt = time.Now().UTC().Unix()
	if err := s.db.Create(&g).Error; err != nil {
		return Game{}, err
	}
	return g, nil
}

// RemoveGame deletes the game row and its issues. Reports whether a row
// existed. The on-disk clone is left behind for an explicit reset to delete.
func (s *Store) RemoveGame(serverID string, placeID int64) (bool, error) {
	removed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var g Game
		if err := tx.Where("server_id = ? AND place_id = ?", serverID, placeID).First(&g).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Where("game_id = ?", g.ID).Delete(&Issue{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Game{}, g.ID).Error; err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

func (s *Store) GetGame(serverID string, placeID int64) (Game, bool, error) {
	var g Game
	err := s.db.Where("server_id = ? AND place_id = ?", serverID, placeID).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Game{}, false, nil
	}
	if err != nil {
		return Game{}, false, err
	}
	return g, true, nil
}

func (s *Store) GetGameByID(gameID uint) (Game, bool, error) {
	var g Game
	err := s.db.First(&g, gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Game{}, false, nil
	}
	if err != nil {
		return Game{}, false, err
	}
	return g, true, nil
}

func (s *Store) GamesForServer(serverID string) ([]Game, error) {
	var games []Game
	err := s.db.Where("server_id = ?", serverID).Order("id").Find(&games).Error
	return games, err
}

func (s *Store) AllGames() ([]Game, error) {
	var games []Game
	err := s.db.Order("id").Find(&games).Error
	return games, err
}

func (s *Store) CountGamesForServer(serverID string) (int, error) {
	var count int64
	err := s.db.Model(&Game{}).Where("server_id = ?", serverID).Count(&count).Error
	return int(count), err
}

func (s *Store) UpdateGameCredential(gameID uint, encrypted []byte) error {
	return s.db.Model(&Game{}).Where("id = ?", gameID).
		Update("api_key_encrypted", encrypted).Error
}

// RecordSyncSuccess stamps the sync time and clears the error state.
func (s *Store) RecordSyncSuccess(gameID uint) error {
	return s.db.Model(&Game{}).Where("id = ?", gameID).Updates(map[string]any{
		"last_sync_at":  time.Now().UTC().Unix(),
		"last_error":    "",
		"last_error_at": 0,
		"error_count":   0,
	}).Error
}

// RecordSyncError updates the throttle state for an error message and
// reports whether a human should be notified. An identical repeat notifies
// on the first occurrence and then every 12th; a different message resets
// the counter and always notifies.
func (s *Store) RecordSyncError(gameID uint, message string) (bool, error) {
	notify := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var g Game
		if err := tx.First(&g, gameID).Error; err != nil {
			return err
		}
		now := time.Now().UTC().Unix()
		if g.LastError == message {
			count := g.ErrorCount + 1
			if err := tx.Model(&Game{}).Where("id = ?", gameID).
				Update("error_count", count).Error; err != nil {
				return err
			}
			notify = count == 1 || count%errorNotifyEvery == 0
			return nil
		}
		if err := tx.Model(&Game{}).Where("id = ?", gameID).Updates(map[string]any{
			"last_error":    message,
			"last_error_at": now,
			"error_count":   1,
		}).Error; err != nil {
			return err
		}
		notify = true
		return nil
	})
	return notify, err
}

// ResetGameHealth clears all issues and sync-health fields, used by the
// reset command after the working directory is re-cloned.
func (s *Store) ResetGameHealth(gameID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("game_id = ?", gameID).Delete(&Issue{}).Error; err != nil {
			return err
		}
		return tx.Model(&Game{}).Where("id = ?", gameID).Updates(map[string]any{
			"last_sync_at":  0,
			"last_error":    "",
			"last_error_at": 0,
			"error_count":   0,
		}).Error
	})
}

// -- Issues --

func (s *Store) UnresolvedIssues(gameID uint) ([]Issue, error) {
	var issues []Issue
	err := s.db.Where("game_id = ? AND resolved = ?", gameID, false).Order("id").Find(&issues).Error
	return issues, err
}

func (s *Store) AddIssue(i Issue) (Issue, error) {
	i.ID = 0
	i.Resolved = false
	i.CreatedAt = time.Now().UTC().Unix()
	if err := s.db.Create(&i).Error; err != nil {
		return Issue{}, err
	}
	return i, nil
}

func (s *Store) GetIssue(issueID uint) (Issue, bool, error) {
	var i Issue
	err := s.db.First(&i, issueID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Issue{}, false, nil
	}
	if err != nil {
		return Issue{}, false, err
	}
	return i, true, nil
}

func (s *Store) ResolveIssue(issueID uint, resolvedBy, reason string) error {
	return s.db.Model(&Issue{}).Where("id = ?", issueID).Updates(map[string]any{
		"resolved":        true,
		"resolved_by":     resolvedBy,
		"resolved_reason": reason,
		"resolved_at":     time.Now().UTC().Unix(),
	}).Error
}

func (s *Store) SetIssueMessageRef(issueID uint, ref string) error {
	return s.db.Model(&Issue{}).Where("id = ?", issueID).
		Update("message_ref", ref).Error
}

func (s *Store) IssueByMessageRef(ref string) (Issue, bool, error) {
	if ref == "" {
		return Issue{}, false, nil
	}
	var i Issue
	err := s.db.Where("message_ref = ?", ref).First(&i).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Issue{}, false, nil
	}
	if err != nil {
		return Issue{}, false, err
	}
	return i, true, nil
}

// ExistsUnresolved is the dedup check: at most one unresolved issue may
// exist per (game, file, title).
func (s *Store) ExistsUnresolved(gameID uint, filePath, title string) (bool, error) {
	var count int64
	err := s.db.Model(&Issue{}).
		Where("game_id = ? AND file_path = ? AND title = ? AND resolved = ?", gameID, filePath, title, false).
		Count(&count).Error
	return count > 0, err
}
