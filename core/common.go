package core

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// tokenBytes is the entropy of session and reset tokens.
const tokenBytes = 32

// PasswordHasher hashes new passwords with the configured algorithm and
// verifies both Argon2id and bcrypt hashes.
type PasswordHasher struct {
	algorithm  string
	argon      Argon2Params
	bcryptCost int
}

// NewPasswordHasher creates a hasher from the security configuration.
func NewPasswordHasher(cfg SecurityConfig) *PasswordHasher {
	return &PasswordHasher{
		algorithm:  cfg.HashAlgorithm,
		argon:      cfg.Argon2,
		bcryptCost: cfg.BcryptCost,
	}
}

// Hash returns an encoded hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if h.algorithm == HashBcrypt {
		bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
		return string(bytes), err
	}

	salt := make([]byte, h.argon.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.argon.Time, h.argon.Memory, h.argon.Threads, h.argon.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.argon.Memory, h.argon.Time, h.argon.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify checks password against an encoded hash. needsRehash is set when the
// hash matches but was produced with a different algorithm or parameters.
func (h *PasswordHasher) Verify(password, encoded string) (ok bool, needsRehash bool) {
	if strings.HasPrefix(encoded, "$argon2id$") {
		params, salt, key, err := decodeArgon2Hash(encoded)
		if err != nil {
			return false, false
		}
		candidate := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, uint32(len(key)))
		if subtle.ConstantTimeCompare(candidate, key) != 1 {
			return false, false
		}
		stale := h.algorithm != HashArgon2id ||
			params.Time != h.argon.Time || params.Memory != h.argon.Memory || params.Threads != h.argon.Threads
		return true, stale
	}

	if err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password)); err != nil {
		return false, false
	}
	return true, h.algorithm != HashBcrypt
}

func decodeArgon2Hash(encoded string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return params, nil, nil, errors.New("malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("failed to parse argon2id version: %w", err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("unsupported argon2id version %d", version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &params.Threads); err != nil {
		return params, nil, nil, fmt.Errorf("failed to parse argon2id parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("failed to decode argon2id salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("failed to decode argon2id key: %w", err)
	}
	params.SaltLen = uint32(len(salt))
	params.KeyLen = uint32(len(key))
	return params, salt, key, nil
}

// generateSecureToken returns a hex-encoded random token of the given byte length.
func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashToken returns the hex SHA-256 digest stored in place of a bearer token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// wellFormedToken reports whether token has the shape produced by generateSecureToken.
func wellFormedToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	numberPattern  = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// Password validation
func validatePasswordStrength(password string, config SecurityConfig) error {
	if len(password) < config.PasswordMinLength {
		return NewValidationError(fmt.Sprintf("password must be at least %d characters long", config.PasswordMinLength))
	}

	if config.PasswordRequireUpper && !upperPattern.MatchString(password) {
		return NewValidationError("password must contain at least one uppercase letter")
	}

	if config.PasswordRequireLower && !lowerPattern.MatchString(password) {
		return NewValidationError("password must contain at least one lowercase letter")
	}

	if config.PasswordRequireNumber && !numberPattern.MatchString(password) {
		return NewValidationError("password must contain at least one number")
	}

	if config.PasswordRequireSpecial && !specialPattern.MatchString(password) {
		return NewValidationError("password must contain at least one special character")
	}

	return nil
}

// IP utilities
func extractIPFromRequest(remoteAddr, xForwardedFor, xRealIP string) string {
	// Check X-Forwarded-For header first (can contain multiple IPs)
	if xForwardedFor != "" {
		ips := strings.Split(xForwardedFor, ",")
		clientIP := strings.TrimSpace(ips[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}

	// Check X-Real-IP header
	if xRealIP != "" {
		if net.ParseIP(xRealIP) != nil {
			return xRealIP
		}
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// extractIP extracts the client IP. Proxy headers are ignored unless trusted.
func extractIP(r *http.Request, trustProxy bool) string {
	if !trustProxy {
		return extractIPFromRequest(r.RemoteAddr, "", "")
	}
	return extractIPFromRequest(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"))
}

// isHTTPS reports whether the request arrived over TLS. X-Forwarded-Proto is
// only honored when proxy headers are trusted.
func isHTTPS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	return trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// extractTokenFromRequest extracts the session token from the session cookie
// or the Authorization header.
func extractTokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	token := r.Header.Get("Authorization")
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return ""
}

// Helper function to format validation errors
func formatValidationErrors(err error) string {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var errorMessages []string
		for _, fieldError := range validationErrors {
			switch fieldError.Tag() {
			case "required":
				errorMessages = append(errorMessages, fmt.Sprintf("%s is required", fieldError.Field()))
			case "email":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be a valid email address", fieldError.Field()))
			case "min":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at least %s characters long", fieldError.Field(), fieldError.Param()))
			case "max":
				errorMessages = append(errorMessages, fmt.Sprintf("%s must be at most %s characters long", fieldError.Field(), fieldError.Param()))
			default:
				errorMessages = append(errorMessages, fmt.Sprintf("%s is invalid", fieldError.Field()))
			}
		}
		return strings.Join(errorMessages, "; ")
	}
	return err.Error()
}

func (a *AuthService) validate(input any) error {
	if err := a.validator.Struct(input); err != nil {
		return NewValidationError(formatValidationErrors(err))
	}
	return nil
}
