package httpserver

import (
	"crypto/subtle"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

// passwordHashPath is where the one-time bootstrap password change is
// persisted (spec.md §6.4/§6.5). Its existence shifts verification from
// a plaintext compare against DashboardPassword to a bcrypt verify.
const passwordHashPath = "data/password.hash"

// credentialVerifier checks the admin credential, either against the
// bootstrap plaintext password (grounded on ClusterCockpit-cc-backend's
// local.go LocalAuthenticator, which also starts from a bcrypt-hashed
// row and falls through on mismatch) or, once a hash file exists,
// against bcrypt.
type credentialVerifier struct {
	username       string
	bootstrapPass  string
	hashPath       string
	lg             *wlog.Logger
}

func newCredentialVerifier(username, bootstrapPass string, lg *wlog.Logger) *credentialVerifier {
	return &credentialVerifier{username: username, bootstrapPass: bootstrapPass, hashPath: passwordHashPath, lg: lg}
}

func (v *credentialVerifier) verify(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(v.username)) != 1 {
		return false
	}
	if hash, err := os.ReadFile(v.hashPath); err == nil {
		return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(v.bootstrapPass)) == 1
}

// changePassword validates the new password's complexity (spec.md
// §6.3: min 8, must include lower/upper/digit), verifies currentPassword
// against whatever the present verification mode is, then writes a
// fresh bcrypt hash. A write failure must surface as a 500 to the
// caller (spec.md §7, item 6) rather than be swallowed.
func (v *credentialVerifier) changePassword(currentPassword, newPassword string) error {
	if !v.verify(v.username, currentPassword) {
		return errInvalidCredentials
	}
	if err := validatePasswordComplexity(newPassword); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(v.hashPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(v.hashPath, hash, 0o600)
}

const minPasswordLen = 8

var (
	errInvalidCredentials  = simpleError("invalid credentials")
	errWeakPassword        = simpleError("password must be at least 8 characters and include a lowercase letter, an uppercase letter, and a digit")
)

type simpleError string

func (e simpleError) Error() string { return string(e) }

func validatePasswordComplexity(pw string) error {
	if len(pw) < minPasswordLen {
		return errWeakPassword
	}
	var hasLower, hasUpper, hasDigit bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLower || !hasUpper || !hasDigit {
		return errWeakPassword
	}
	return nil
}
