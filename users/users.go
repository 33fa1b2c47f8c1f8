package users

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrIPNotAllowed    = errors.New("ip not allowed")
)

type User struct {
	Username     string
	passwordHash []byte
	CustomerID   int64
	// IPs are the allowed origin prefixes, an empty set allows every address
	IPs map[string]netip.Prefix
	mu  sync.RWMutex
}

// FindIP finds an IP in the prefixes in the user
func (u *User) FindIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return u.allowed(addr.Unmap())
}

func (u *User) allowed(addr netip.Addr) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if len(u.IPs) == 0 {
		return true
	}
	for _, p := range u.IPs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AddIP adds an IP prefix to the user
// if the ip is without the prefix, it will add /32 (or /128 for IPv6)
func (u *User) AddIP(ip string) error {
	ip = normalizePrefix(ip)
	prefix, err := netip.ParsePrefix(ip)
	if err != nil {
		return fmt.Errorf("error parsing IP: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.IPs[ip] = prefix.Masked()
	return nil
}

// RemoveIP removes an IP prefix from the user
func (u *User) RemoveIP(ip string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.IPs, normalizePrefix(ip))
}

func normalizePrefix(ip string) string {
	ip = strings.TrimSpace(ip)
	if strings.Contains(ip, "/") {
		return ip
	}
	if strings.Contains(ip, ":") {
		return ip + "/128"
	}
	return ip + "/32"
}

// CheckPassword compares pass with the stored hash.
func (u *User) CheckPassword(pass string) bool {
	return bcrypt.CompareHashAndPassword(u.passwordHash, []byte(pass)) == nil
}

type Users interface {
	// Authenticate checks the credentials of a login coming from ip
	Authenticate(username, pass, ip string) (*User, error)
}

var _ Users = &LocalUsers{}

type LocalUsers struct {
	users  map[string]*User
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewLocalUsers(logger *slog.Logger) *LocalUsers {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalUsers{
		users:  make(map[string]*User),
		logger: logger.With("module", "users"),
	}
}

func (u *LocalUsers) List() map[string]*User {
	u.mu.RLock()
	defer u.mu.RUnlock()
	list := make(map[string]*User, len(u.users))
	for k, v := range u.users {
		list[k] = v
	}
	return list
}

func (u *LocalUsers) Get(username string) (*User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Add stores a user, the password is kept as a bcrypt hash.
func (u *LocalUsers) Add(username, pass string, customerID int64) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}
	newUser := &User{
		Username:     username,
		passwordHash: hash,
		CustomerID:   customerID,
		IPs:          make(map[string]netip.Prefix),
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[username] = newUser
	u.logger.Debug("user added", "username", username)
	return newUser, nil
}

func (u *LocalUsers) Remove(username string) *User {
	u.mu.Lock()
	defer u.mu.Unlock()
	oldUser := u.users[username]
	delete(u.users, username)
	return oldUser
}

func (u *LocalUsers) Authenticate(username, pass, ip string) (*User, error) {
	user, err := u.Get(username)
	if err != nil {
		return nil, err
	}
	if !user.CheckPassword(pass) {
		return nil, ErrInvalidPassword
	}
	if !user.FindIP(ip) {
		u.logger.Warn("login from a not allowed ip", "username", username, "ip", ip)
		return nil, ErrIPNotAllowed
	}
	return user, nil
}
