package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"go.etcd.io/bbolt"

	"tidepool.dev/tide"
)

var bucketSessions = []byte("sessions")

// A Session pins one sync identity per deployment, so separate
// invocations present the same session id to the server.
type Session struct {
	SessionId tide.Id `json:"sessionId"`
	AuthToken string  `json:"authToken,omitempty"`
}

type SessionStore struct {
	db *bbolt.DB
}

func OpenSessionStore(path string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SessionStore{
		db: db,
	}, nil
}

func (self *SessionStore) Close() error {
	return self.db.Close()
}

// Session returns the stored session for the deployment, creating one
// with a fresh session id on first use.
func (self *SessionStore) Session(deploymentUrl string) (*Session, error) {
	session := &Session{}
	err := self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		if data := bucket.Get([]byte(deploymentUrl)); data != nil {
			return json.Unmarshal(data, session)
		}
		session.SessionId = tide.NewId()
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(deploymentUrl), data)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (self *SessionStore) SetAuthToken(deploymentUrl string, authToken string) error {
	session, err := self.Session(deploymentUrl)
	if err != nil {
		return err
	}
	session.AuthToken = authToken
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(deploymentUrl), data)
	})
}

func (self *SessionStore) ClearAuthToken(deploymentUrl string) error {
	return self.SetAuthToken(deploymentUrl, "")
}
