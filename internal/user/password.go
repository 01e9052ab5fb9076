package user

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher defines the hashing scheme used for new passwords.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
	NeedsRehash(hash string) bool
}

// Argon2Hasher produces argon2id hashes in PHC string format and still
// verifies the legacy formats found in older user databases.
type Argon2Hasher struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultHasher is tuned for interactive logins.
var DefaultHasher = Argon2Hasher{Time: 3, Memory: 64 * 1024, Threads: 2, KeyLen: 32, SaltLen: 16}

var errMalformedHash = errors.New("malformed password hash")

func (a Argon2Hasher) Hash(pw string) (string, error) {
	salt := make([]byte, a.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(pw), salt, a.Time, a.Memory, a.Threads, a.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.Memory, a.Time, a.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func (a Argon2Hasher) Verify(hash, pw string) bool {
	switch {
	case hash == "":
		return false
	case strings.HasPrefix(hash, "$argon2id$"):
		p, salt, key, err := parseArgon2(hash)
		if err != nil {
			return false
		}
		got := argon2.IDKey([]byte(pw), salt, p.Time, p.Memory, p.Threads, uint32(len(key)))
		return subtle.ConstantTimeCompare(got, key) == 1
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
	case strings.HasPrefix(hash, "{SSHA}"):
		raw, err := base64.StdEncoding.DecodeString(hash[len("{SSHA}"):])
		if err != nil || len(raw) <= sha1.Size {
			return false
		}
		digest, salt := raw[:sha1.Size], raw[sha1.Size:]
		sum := sha1.Sum(append([]byte(pw), salt...))
		return subtle.ConstantTimeCompare(sum[:], digest) == 1
	case len(hash) == 2*sha1.Size:
		want, err := hex.DecodeString(hash)
		if err != nil {
			return false
		}
		sum := sha1.Sum([]byte(pw))
		return subtle.ConstantTimeCompare(sum[:], want) == 1
	}
	return false
}

// NeedsRehash is true for legacy formats and for argon2id hashes made with
// weaker parameters than a.
func (a Argon2Hasher) NeedsRehash(hash string) bool {
	if !strings.HasPrefix(hash, "$argon2id$") {
		return true
	}
	p, _, key, err := parseArgon2(hash)
	if err != nil {
		return true
	}
	return p.Time < a.Time || p.Memory < a.Memory || p.Threads < a.Threads || uint32(len(key)) < a.KeyLen
}

func parseArgon2(hash string) (Argon2Hasher, []byte, []byte, error) {
	// $argon2id$v=19$m=65536,t=3,p=2$salt$key
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return Argon2Hasher{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Hasher{}, nil, nil, errMalformedHash
	}
	var p Argon2Hasher
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return Argon2Hasher{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Hasher{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2Hasher{}, nil, nil, errMalformedHash
	}
	return p, salt, key, nil
}
