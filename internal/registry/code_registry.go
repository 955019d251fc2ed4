package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// codeAlphabet drops I, O, 0 and 1 so codes survive being read aloud
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeGroupLen = 3
	maxCodeLen   = 32

	DefaultMaxAttempts = 100
)

var (
	ErrCodeInUse     = errors.New("code already in use")
	ErrCodeExhausted = errors.New("could not generate a unique code")
	ErrInvalidCode   = errors.New("invalid code")
)

// NormalizeCode upper-cases and trims a code so lookups ignore case and padding
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CodeRegistry maps pairing codes to the sharer session that owns them
type CodeRegistry struct {
	mu          sync.RWMutex
	codes       map[string]string // code -> sharer session ID
	maxAttempts int
	random      io.Reader
}

// NewCodeRegistry creates an empty registry; maxAttempts bounds code generation
func NewCodeRegistry(maxAttempts int) *CodeRegistry {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &CodeRegistry{
		codes:       make(map[string]string),
		maxAttempts: maxAttempts,
		random:      rand.Reader,
	}
}

// Claim reserves a caller-supplied code for sessionID.
// Claiming a code the session already owns is a no-op.
func (r *CodeRegistry) Claim(code, sessionID string) (string, error) {
	code = NormalizeCode(code)
	if err := ValidateCode(code); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.codes[code]; ok && owner != sessionID {
		return "", fmt.Errorf("%w: %s", ErrCodeInUse, code)
	}
	r.codes[code] = sessionID
	return code, nil
}

// Generate draws random codes until a free one is found and claims it for sessionID
func (r *CodeRegistry) Generate(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempts := 0; attempts < r.maxAttempts; attempts++ {
		code, err := r.randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.codes[code]; !taken {
			r.codes[code] = sessionID
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrCodeExhausted, r.maxAttempts)
}

// randomCode formats six alphabet characters as XXX-XXX
func (r *CodeRegistry) randomCode() (string, error) {
	b := make([]byte, codeGroupLen*2)
	if _, err := io.ReadFull(r.random, b); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.Grow(len(b) + 1)
	for i, v := range b {
		if i == codeGroupLen {
			sb.WriteByte('-')
		}
		sb.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
	}
	return sb.String(), nil
}

// Resolve returns the owner of code
func (r *CodeRegistry) Resolve(code string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.codes[NormalizeCode(code)]
	return owner, ok
}

// Release drops code if sessionID still owns it. An empty sessionID releases unconditionally.
func (r *CodeRegistry) Release(code, sessionID string) bool {
	code = NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.codes[code]
	if !ok || (sessionID != "" && owner != sessionID) {
		return false
	}
	delete(r.codes, code)
	return true
}

// Count returns the number of active codes
func (r *CodeRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codes)
}

// ValidateCode checks that a normalized code is non-empty, bounded and printable
func ValidateCode(code string) error {
	if code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidCode)
	}
	if len(code) > maxCodeLen {
		return fmt.Errorf("%w: code longer than %d characters", ErrInvalidCode, maxCodeLen)
	}
	for _, c := range code {
		if c < 0x21 || c > 0x7e {
			return fmt.Errorf("%w: code contains unprintable characters", ErrInvalidCode)
		}
	}
	return nil
}
