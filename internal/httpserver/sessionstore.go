// boltSessionStore implements gorilla/sessions.Store on top of bbolt so
// the dashboard's single-admin session survives a process restart and
// can, per spec.md §9's design note ("session storage behind an
// abstract interface... must be swappable for a shared store"), be
// swapped for any other gorilla/sessions.Store without touching the
// rest of this package. The cookie carries only a securecookie-signed
// session ID; the session values themselves live in bbolt, mirroring
// how gravwell keeps its on-disk state in small boltdb-style KV stores
// rather than encoding state into the cookie itself.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	bolt "go.etcd.io/bbolt"
)

var sessionBucket = []byte("sessions")

type boltSessionStore struct {
	db     *bolt.DB
	codecs []securecookie.Codec
	opts   *sessions.Options
}

// newBoltSessionStore opens (creating if absent) the sessions bucket in
// db and returns a Store keyed by a secret used both to sign the cookie
// and, indirectly, to invalidate all sessions if rotated.
func newBoltSessionStore(db *bolt.DB, secret []byte, secure bool) (*boltSessionStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltSessionStore{
		db:     db,
		codecs: securecookie.CodecsFromPairs(secret),
		opts: &sessions.Options{
			Path:     "/",
			MaxAge:   int((24 * time.Hour).Seconds()),
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		},
	}, nil
}

func (s *boltSessionStore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

func (s *boltSessionStore) New(r *http.Request, name string) (*sessions.Session, error) {
	session := sessions.NewSession(s, name)
	opts := *s.opts
	session.Options = &opts
	session.IsNew = true

	cookie, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}
	var id string
	if err := securecookie.DecodeMulti(name, cookie.Value, &id, s.codecs...); err != nil {
		return session, nil
	}
	values, err := s.load(id)
	if err != nil || values == nil {
		return session, nil
	}
	session.ID = id
	session.Values = values
	session.IsNew = false
	return session, nil
}

func (s *boltSessionStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if session.Options.MaxAge < 0 {
		if err := s.delete(session.ID); err != nil {
			return err
		}
		http.SetCookie(w, sessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if err := s.persist(session.ID, session.Values); err != nil {
		return err
	}

	encoded, err := securecookie.EncodeMulti(session.Name(), session.ID, s.codecs...)
	if err != nil {
		return err
	}
	http.SetCookie(w, sessions.NewCookie(session.Name(), encoded, session.Options))
	return nil
}

func (s *boltSessionStore) load(id string) (map[interface{}]interface{}, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		v := b.Get([]byte(id))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}
	var stringKeyed map[string]interface{}
	if err := json.Unmarshal(raw, &stringKeyed); err != nil {
		return nil, nil
	}
	values := make(map[interface{}]interface{}, len(stringKeyed))
	for k, v := range stringKeyed {
		values[k] = v
	}
	return values, nil
}

func (s *boltSessionStore) persist(id string, values map[interface{}]interface{}) error {
	stringKeyed := make(map[string]interface{}, len(values))
	for k, v := range values {
		if ks, ok := k.(string); ok {
			stringKeyed[ks] = v
		}
	}
	data, err := json.Marshal(stringKeyed)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put([]byte(id), data)
	})
}

func (s *boltSessionStore) delete(id string) error {
	if id == "" {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(id))
	})
}
