// Package password hashes and verifies account credentials with argon2id.
//
// Hashes are stored in PHC string form, so the parameters used to derive a
// key travel with it and old hashes keep verifying after a parameter bump.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	minMemoryKiB  uint32 = 8 * 1024
	maxMemoryKiB  uint32 = 1024 * 1024
	maxIterations uint32 = 64
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
	maxKeyLength  uint32 = 128
)

// Params are the argon2id cost parameters.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams: 19 MiB, two passes, one lane.
var DefaultParams = Params{
	MemoryKiB:   19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher derives and checks password hashes. It is safe for concurrent use.
type Hasher struct {
	params Params

	dummyOnce sync.Once
	dummy     string
}

// NewHasher validates p and returns a Hasher using it for new hashes.
func NewHasher(p Params) (*Hasher, error) {
	if p.MemoryKiB < minMemoryKiB || p.MemoryKiB > maxMemoryKiB {
		return nil, fmt.Errorf("password memory must be between %d and %d KiB", minMemoryKiB, maxMemoryKiB)
	}
	if p.Iterations < 1 || p.Iterations > maxIterations {
		return nil, fmt.Errorf("password iterations must be between 1 and %d", maxIterations)
	}
	if p.Parallelism < 1 {
		return nil, errors.New("password parallelism must be >= 1")
	}
	if p.SaltLength < minSaltLength {
		return nil, fmt.Errorf("password salt length must be >= %d", minSaltLength)
	}
	if p.KeyLength < minKeyLength || p.KeyLength > maxKeyLength {
		return nil, fmt.Errorf("password key length must be between %d and %d", minKeyLength, maxKeyLength)
	}
	return &Hasher{params: p}, nil
}

// Hash derives a salted argon2id hash of plaintext.
//
// The computation is not tied to any request context and always runs to
// completion.
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.MemoryKiB,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches encoded. A malformed encoded
// value is logged and reported as a mismatch.
func (h *Hasher) Verify(encoded, plaintext string) bool {
	parsed, err := parse(encoded)
	if err != nil {
		log.Warn().Err(err).Msg("password: stored hash is malformed")
		return false
	}

	key := argon2.IDKey([]byte(plaintext), parsed.salt, parsed.params.Iterations, parsed.params.MemoryKiB, parsed.params.Parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(key, parsed.key) == 1
}

// VerifyDummy spends the same work as a real Verify and always fails. Login
// calls it for unknown emails so response time does not reveal whether an
// account exists.
func (h *Hasher) VerifyDummy(plaintext string) bool {
	h.dummyOnce.Do(func() {
		encoded, err := h.Hash(rand.Text())
		if err != nil {
			log.Error().Err(err).Msg("password: could not build dummy hash")
			return
		}
		h.dummy = encoded
	})
	if h.dummy == "" {
		return false
	}
	h.Verify(h.dummy, plaintext)
	return false
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the Hasher's current ones.
func (h *Hasher) NeedsRehash(encoded string) bool {
	parsed, err := parse(encoded)
	if err != nil {
		return true
	}
	p := parsed.params
	return p.MemoryKiB < h.params.MemoryKiB ||
		p.Iterations < h.params.Iterations ||
		p.Parallelism < h.params.Parallelism ||
		uint32(len(parsed.key)) != h.params.KeyLength
}

type parsedHash struct {
	params Params
	salt   []byte
	key    []byte
}

func parse(encoded string) (parsedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return parsedHash{}, errors.New("invalid PHC format")
	}
	if parts[1] != algorithmID {
		return parsedHash{}, fmt.Errorf("unsupported algorithm %q", parts[1])
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return parsedHash{}, errors.New("invalid argon2 version")
	}
	if version != argon2.Version {
		return parsedHash{}, fmt.Errorf("unsupported argon2 version %d", version)
	}

	params, err := parseParams(parts[3])
	if err != nil {
		return parsedHash{}, err
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || uint32(len(salt)) < minSaltLength {
		return parsedHash{}, errors.New("invalid salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || uint32(len(key)) < minKeyLength || uint32(len(key)) > maxKeyLength {
		return parsedHash{}, errors.New("invalid key")
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))
	return parsedHash{params: params, salt: salt, key: key}, nil
}

func parseParams(raw string) (Params, error) {
	var (
		p                   Params
		haveM, haveT, haveP bool
	)
	pairs := strings.Split(raw, ",")
	if len(pairs) != 3 {
		return Params{}, errors.New("invalid parameter list")
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return Params{}, errors.New("invalid parameter entry")
		}
		switch name {
		case "m":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || uint32(v) < minMemoryKiB || uint32(v) > maxMemoryKiB {
				return Params{}, errors.New("invalid memory parameter")
			}
			p.MemoryKiB, haveM = uint32(v), true
		case "t":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || v < 1 || uint32(v) > maxIterations {
				return Params{}, errors.New("invalid iterations parameter")
			}
			p.Iterations, haveT = uint32(v), true
		case "p":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil || v < 1 {
				return Params{}, errors.New("invalid parallelism parameter")
			}
			p.Parallelism, haveP = uint8(v), true
		default:
			return Params{}, fmt.Errorf("unknown parameter %q", name)
		}
	}
	if !haveM || !haveT || !haveP {
		return Params{}, errors.New("missing parameters")
	}
	return p, nil
}
