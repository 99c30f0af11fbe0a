package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tourbook/internal/db"
	"github.com/example/tourbook/internal/internaltypes"
)

const (
	cookieName = "tourbook_staff"
	sessionTTL = 12 * time.Hour
)

// Store authenticates support staff and keeps their session in a signed,
// encrypted cookie.
type Store struct {
	sc *securecookie.SecureCookie
	db db.Querier
}

type ctxKey string

const sessionKey ctxKey = "staffSession"

func NewStore(d db.Querier, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	return &Store{sc: sc, db: d}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (s *Store) CreateUser(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return 0, internaltypes.Invalid("username", "is required")
	}
	if len(password) < 8 {
		return 0, internaltypes.Invalid("password", "must be at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(ctx, `INSERT INTO staff_users(username, password_hash) VALUES ($1,$2) RETURNING id`,
		username, []byte(hash)).Scan(&id)
	if db.IsUniqueViolation(err, "") {
		return 0, internaltypes.Invalid("username", "already exists")
	}
	return id, err
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (Session, error) {
	var sess Session
	var hash []byte
	err := s.db.QueryRow(ctx, `SELECT id, username, password_hash FROM staff_users WHERE username=$1`,
		strings.TrimSpace(username)).Scan(&sess.UserID, &sess.Username, &hash)
	if err != nil {
		if db.IsNotFound(err) {
			return Session{}, internaltypes.ErrUnauthorized
		}
		return Session{}, db.WrapNotFound(err)
	}
	if !CheckPassword(string(hash), password) {
		return Session{}, internaltypes.ErrUnauthorized
	}
	return sess, nil
}

type Session struct {
	UserID   int64
	Username string
}

// Actor is how the session is named in booking events.
func (s Session) Actor() string {
	return "staff:" + s.Username
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, sess Session) error {
	val := map[string]string{"uid": strconv.FormatInt(sess.UserID, 10), "name": sess.Username}
	encoded, err := s.sc.Encode(cookieName, val)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	val := map[string]string{}
	if err := s.sc.Decode(cookieName, c.Value, &val); err != nil {
		return Session{}, false
	}
	uid, err := strconv.ParseInt(val["uid"], 10, 64)
	if err != nil || uid <= 0 || val["name"] == "" {
		return Session{}, false
	}
	return Session{UserID: uid, Username: val["name"]}, true
}

// RequireStaff rejects requests without a valid session by calling deny,
// and otherwise puts the session on the request context.
func (s *Store) RequireStaff(deny http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := s.GetSession(r)
			if !ok {
				deny(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey).(Session)
	return sess, ok
}
