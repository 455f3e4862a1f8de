// password.go

// Salted password hashing (PBKDF2-SHA256 or Argon2id) and input validation.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// Supported KDF names, as they appear in PASSWORD_KDF and in encoded hashes.
const (
	AlgPBKDF2   = "pbkdf2-sha256"
	AlgArgon2id = "argon2id"
)

const (
	saltLen = 16
	keyLen  = 32

	DefaultPBKDF2Iterations = 100_000

	argonTime    = uint32(3)
	argonMemory  = uint32(64 * 1024)
	argonThreads = uint8(2)
)

// ErrMalformedHash is returned by Verify when the stored hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed password hash")

// HasherConfig selects the KDF for new hashes. Zero value = PBKDF2 at 100k iterations.
type HasherConfig struct {
	Algorithm        string
	PBKDF2Iterations int
}

// Hasher hashes and verifies passwords. Safe for concurrent use.
type Hasher struct {
	alg        string
	iterations int
	// dummy is verified against when the user does not exist, so unknown
	// identifiers cost the same as wrong passwords.
	dummySalt []byte
	dummyHash string
}

// NewHasher validates cfg and precomputes the timing-equalization hash.
func NewHasher(cfg HasherConfig) (*Hasher, error) {
	h := &Hasher{alg: cfg.Algorithm, iterations: cfg.PBKDF2Iterations}
	if h.alg == "" {
		h.alg = AlgPBKDF2
	}
	if h.iterations == 0 {
		h.iterations = DefaultPBKDF2Iterations
	}
	if h.alg != AlgPBKDF2 && h.alg != AlgArgon2id {
		return nil, fmt.Errorf("unsupported password algorithm %q", h.alg)
	}
	if h.iterations < 0 {
		return nil, fmt.Errorf("pbkdf2 iterations must be positive, got %d", h.iterations)
	}

	hash, salt, err := h.Hash("janus-dummy-password", nil)
	if err != nil {
		return nil, err
	}
	h.dummyHash, h.dummySalt = hash, salt
	return h, nil
}

// normalize replaces invalid UTF-8 with U+FFFD and applies NFC, so the same
// visible password always hashes the same way.
func normalize(password string) []byte {
	return norm.NFC.Bytes([]byte(strings.ToValidUTF8(password, "\uFFFD")))
}

// Hash derives a key from password and salt and returns it encoded with its
// parameters. A nil salt means generate a fresh 16-byte one; the salt used is returned.
// Formats:
//
//	$pbkdf2-sha256$i=100000$<base64 key>
//	$argon2id$v=19$m=65536,t=3,p=2$<base64 key>
func (h *Hasher) Hash(password string, salt []byte) (string, []byte, error) {
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", nil, fmt.Errorf("generating salt: %w", err)
		}
	}

	pw := normalize(password)
	switch h.alg {
	case AlgArgon2id:
		key := argon2.IDKey(pw, salt, argonTime, argonMemory, argonThreads, keyLen)
		return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
			argon2.Version, argonMemory, argonTime, argonThreads,
			base64.RawStdEncoding.EncodeToString(key)), salt, nil
	default:
		key := pbkdf2.Key(pw, salt, h.iterations, keyLen, sha256.New)
		return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s",
			h.iterations, base64.RawStdEncoding.EncodeToString(key)), salt, nil
	}
}

// Verify recomputes the hash of password with salt, using the algorithm and
// parameters recorded in encoded (so hashes made under older settings keep
// verifying), and compares in constant time.
// Errors only when encoded is malformed.
func (h *Hasher) Verify(password string, salt []byte, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) < 4 || parts[0] != "" {
		return false, ErrMalformedHash
	}

	pw := normalize(password)
	var got, want []byte
	var err error

	switch parts[1] {
	case AlgPBKDF2:
		if len(parts) != 4 {
			return false, ErrMalformedHash
		}
		var iter int
		if _, err := fmt.Sscanf(parts[2], "i=%d", &iter); err != nil || iter <= 0 {
			return false, ErrMalformedHash
		}
		if want, err = base64.RawStdEncoding.DecodeString(parts[3]); err != nil || len(want) == 0 {
			return false, ErrMalformedHash
		}
		got = pbkdf2.Key(pw, salt, iter, len(want), sha256.New)

	case AlgArgon2id:
		if len(parts) != 5 {
			return false, ErrMalformedHash
		}
		var version int
		if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
			return false, ErrMalformedHash
		}
		var memory, time uint32
		var threads uint8
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
			return false, ErrMalformedHash
		}
		if memory == 0 || time == 0 || threads == 0 {
			return false, ErrMalformedHash
		}
		if want, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(want) == 0 {
			return false, ErrMalformedHash
		}
		got = argon2.IDKey(pw, salt, time, memory, threads, uint32(len(want)))

	default:
		return false, ErrMalformedHash
	}

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// VerifyDummy burns one verification's worth of work. Always false.
func (h *Hasher) VerifyDummy(password string) {
	h.Verify(password, h.dummySalt, h.dummyHash)
}

// ValidateEmail checks format and length constraints; returns error message or empty string.
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	switch n := len(email); {
	case n == 0:
		return "No email provided"
	case n < 5:
		return "Email too short!"
	case n > 254:
		return "Email too long!"
	}
	// Bare addr-spec only: display names and comments would let one mailbox
	// register under several spellings.
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "Invalid email format"
	}
	return ""
}

// ValidateUsername allows 3-64 letters, digits, '.', '_' and '-'.
// An '@' is rejected so usernames never collide with email lookups.
func ValidateUsername(username string) string {
	n := utf8.RuneCountInString(username)
	if n == 0 {
		return "No username provided"
	}
	if n < 3 || n > 64 {
		return "Username must be 3-64 characters"
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("._-", r) {
			return "Username may only contain letters, digits, '.', '_' and '-'"
		}
	}
	return ""
}

// ValidatePassword checks length constraints; returns error message or empty string.
// Min 8 user-perceived chars; max 1024 bytes bounds KDF input.
func ValidatePassword(password string) string {
	if password == "" {
		return "No password provided!"
	}
	if utf8.RuneCountInString(password) < 8 {
		return "Password too short!"
	}
	if len(password) > 1024 {
		return "Password too long!"
	}
	for _, r := range password {
		if unicode.IsControl(r) {
			return "Password contains invalid characters"
		}
	}
	return ""
}
