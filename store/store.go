// Package store persists oauth sessions in sqlite, one row per DID with
// upsert semantics.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	oauth "github.com/tijs/book-explorer/oauth"
)

type sessionModel struct {
	ID                  uint
	Did                 string `gorm:"uniqueIndex"`
	Handle              string
	PdsUrl              string
	AuthserverIss       string
	AccessToken         string
	RefreshToken        string
	DpopPdsNonce        string
	DpopAuthserverNonce string
	DpopPrivateJwk      string
	DpopPublicJwk       string
}

func (sessionModel) TableName() string {
	return "oauth_sessions"
}

type Store struct {
	db *gorm.DB
}

// New opens (or creates) the sqlite database at path and migrates the
// session table. Use "file::memory:?cache=shared" for an in-memory store.
func New(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not open session database: %w", err)
	}

	if err := db.AutoMigrate(&sessionModel{}); err != nil {
		return nil, fmt.Errorf("could not migrate session database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) GetSession(ctx context.Context, did string) (*oauth.Session, error) {
	var m sessionModel
	if err := s.db.WithContext(ctx).Where("did = ?", did).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, oauth.ErrSessionNotFound
		}
		return nil, err
	}

	return &oauth.Session{
		Did:                 m.Did,
		Handle:              m.Handle,
		PdsUrl:              m.PdsUrl,
		AuthserverIss:       m.AuthserverIss,
		AccessToken:         m.AccessToken,
		RefreshToken:        m.RefreshToken,
		DpopPdsNonce:        m.DpopPdsNonce,
		DpopAuthserverNonce: m.DpopAuthserverNonce,
		DpopPrivateJwk:      m.DpopPrivateJwk,
		DpopPublicJwk:       m.DpopPublicJwk,
	}, nil
}

// UpsertSession writes the full session, replacing any existing row for the
// same DID.
func (s *Store) UpsertSession(ctx context.Context, sess *oauth.Session) error {
	m := sessionModel{
		Did:                 sess.Did,
		Handle:              sess.Handle,
		PdsUrl:              sess.PdsUrl,
		AuthserverIss:       sess.AuthserverIss,
		AccessToken:         sess.AccessToken,
		RefreshToken:        sess.RefreshToken,
		DpopPdsNonce:        sess.DpopPdsNonce,
		DpopAuthserverNonce: sess.DpopAuthserverNonce,
		DpopPrivateJwk:      sess.DpopPrivateJwk,
		DpopPublicJwk:       sess.DpopPublicJwk,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		UpdateAll: true,
	}).Create(&m).Error
}

func (s *Store) DeleteSession(ctx context.Context, did string) error {
	return s.db.WithContext(ctx).Where("did = ?", did).Delete(&sessionModel{}).Error
}
