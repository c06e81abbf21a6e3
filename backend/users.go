package backend

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"authflow/policy"
)

// Directory errors
var (
	ErrEmailExists        = errors.New("User with this email already exists")
	ErrUsernameTaken      = errors.New("Username is already taken")
	ErrUserNotFound       = errors.New("User not found")
	ErrInvalidCredentials = errors.New("Invalid username/email or password")
	ErrAccountDisabled    = errors.New("Account is disabled")
)

// Provider names recorded on accounts.
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

// User is a directory record.
type User struct {
	ID           string
	Username     string
	Email        string
	Name         string
	Picture      string
	AuthProvider string
	GoogleID     string
	PasswordHash []byte
	Active       bool
	CreatedAt    time.Time
	LastLogin    time.Time
}

// UserView is the public shape returned to callers.
type UserView struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	Picture      string `json:"picture,omitempty"`
	AuthProvider string `json:"auth_provider,omitempty"`
}

// View strips internal fields.
func (u User) View() UserView {
	return UserView{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Name:         u.Name,
		Picture:      u.Picture,
		AuthProvider: u.AuthProvider,
	}
}

// GoogleIdentity is the verified subset of a Google ID token.
type GoogleIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Directory is an in-memory user store.
type Directory struct {
	mu     sync.RWMutex
	users  map[string]*User
	nextID int
	cost   int
	now    func() time.Time
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		users: make(map[string]*User),
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
	}
}

// Register creates a local account. Email and username must be unique.
func (d *Directory) Register(username, email, name, password string) (User, error) {
	email = policy.NormalizeEmail(email)
	username = strings.TrimSpace(username)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return User{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byEmailLocked(email) != nil {
		return User{}, ErrEmailExists
	}
	if username != "" && d.byUsernameLocked(username) != nil {
		return User{}, ErrUsernameTaken
	}
	if username == "" {
		username = d.uniqueUsernameLocked(localPart(email))
	}
	u := d.insertLocked(User{
		Username:     username,
		Email:        email,
		Name:         strings.TrimSpace(name),
		AuthProvider: ProviderLocal,
		PasswordHash: hash,
	})
	return *u, nil
}

// Authenticate checks a username or email against the stored hash.
func (d *Directory) Authenticate(identifier, password string) (User, error) {
	identifier = strings.TrimSpace(identifier)

	d.mu.RLock()
	var u *User
	if strings.Contains(identifier, "@") {
		u = d.byEmailLocked(policy.NormalizeEmail(identifier))
	} else {
		u = d.byUsernameLocked(identifier)
		if u == nil {
			u = d.byEmailLocked(policy.NormalizeEmail(identifier))
		}
	}
	var found User
	if u != nil {
		found = *u
	}
	d.mu.RUnlock()

	if u == nil || len(found.PasswordHash) == 0 {
		return User{}, ErrInvalidCredentials
	}
	if !found.Active {
		return User{}, ErrAccountDisabled
	}
	if err := bcrypt.CompareHashAndPassword(found.PasswordHash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	d.touch(found.ID)
	return found, nil
}

// SignInGoogle finds the account linked to id by subject, then by email, and
// refreshes its profile. Unknown identities yield ErrUserNotFound.
func (d *Directory) SignInGoogle(id GoogleIdentity) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := d.byGoogleIDLocked(id.Subject)
	if u == nil {
		u = d.byEmailLocked(policy.NormalizeEmail(id.Email))
	}
	if u == nil {
		return User{}, ErrUserNotFound
	}
	if !u.Active {
		return User{}, ErrAccountDisabled
	}
	if u.GoogleID == "" {
		u.GoogleID = id.Subject
		u.AuthProvider = ProviderGoogle
	}
	u.Name = id.Name
	u.Picture = id.Picture
	u.LastLogin = d.now()
	return *u, nil
}

// RegisterGoogle creates an account from a Google identity. The username is
// the email local part with a numeric suffix when taken.
func (d *Directory) RegisterGoogle(id GoogleIdentity) (User, error) {
	email := policy.NormalizeEmail(id.Email)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byEmailLocked(email) != nil || d.byGoogleIDLocked(id.Subject) != nil {
		return User{}, ErrEmailExists
	}
	u := d.insertLocked(User{
		Username:     d.uniqueUsernameLocked(localPart(email)),
		Email:        email,
		Name:         id.Name,
		Picture:      id.Picture,
		AuthProvider: ProviderGoogle,
		GoogleID:     id.Subject,
	})
	u.LastLogin = u.CreatedAt
	return *u, nil
}

// Get returns the user with id.
func (d *Directory) Get(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Disable marks an account inactive.
func (d *Directory) Disable(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if ok {
		u.Active = false
	}
	return ok
}

func (d *Directory) touch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		u.LastLogin = d.now()
	}
}

func (d *Directory) insertLocked(u User) *User {
	d.nextID++
	u.ID = strconv.Itoa(d.nextID)
	u.Active = true
	u.CreatedAt = d.now()
	rec := &u
	d.users[u.ID] = rec
	return rec
}

func (d *Directory) uniqueUsernameLocked(base string) string {
	if base == "" {
		base = "user"
	}
	candidate := base
	for n := 1; d.byUsernameLocked(candidate) != nil; n++ {
		candidate = base + strconv.Itoa(n)
	}
	return candidate
}

func (d *Directory) byEmailLocked(email string) *User {
	if email == "" {
		return nil
	}
	for _, u := range d.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (d *Directory) byUsernameLocked(username string) *User {
	for _, u := range d.users {
		if u.Username == username {
			return u
		}
	}
	return nil
}

func (d *Directory) byGoogleIDLocked(sub string) *User {
	if sub == "" {
		return nil
	}
	for _, u := range d.users {
		if u.GoogleID == sub {
			return u
		}
	}
	return nil
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 {
		return email[:i]
	}
	return email
}
