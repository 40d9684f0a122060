package pairing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/wacore/crypto"
)

const (
	// codeAlphabet omits characters that are easy to misread.
	codeAlphabet = "123456789ABCDEFGHJKLMNPQRSTVWXYZ"
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 8
	// codeIterations is the PBKDF2 work factor for the code key.
	codeIterations = 2 << 16

	saltSize = 32
	ivSize   = 16
	// WrappedKeySize is the size of salt || iv || wrapped public key.
	WrappedKeySize = saltSize + ivSize + 32

	bundleInfo = "link_code_pairing_key_bundle_encryption_key"
	advInfo    = "adv_secret"
)

// GenerateCode returns a fresh random pairing code. Five random bytes give
// exactly eight characters of the 32-symbol alphabet.
func GenerateCode() (string, error) {
	var raw [5]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("pairing code: %w", err)
	}
	var bits uint64
	for _, b := range raw {
		bits = bits<<8 | uint64(b)
	}
	out := make([]byte, CodeLength)
	for i := CodeLength - 1; i >= 0; i-- {
		out[i] = codeAlphabet[bits&31]
		bits >>= 5
	}
	return string(out), nil
}

// DisplayCode groups a code as XXXX-XXXX.
func DisplayCode(code string) string {
	if len(code) != CodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// NormalizePhone strips formatting from a phone number and checks that
// what remains is digits only.
func NormalizePhone(phone string) (string, error) {
	var sb strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
		}
	}
	if sb.Len() < 7 || sb.Len() > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, phone)
	}
	return sb.String(), nil
}

func codeStream(code string, salt, iv []byte) (cipher.Stream, error) {
	key := pbkdf2.Key([]byte(code), salt, codeIterations, 32, sha256.New)
	defer crypto.ZeroBytes(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// WrapKey encrypts pub under code as salt || iv || ciphertext.
func WrapKey(code string, pub [32]byte) ([]byte, error) {
	out := make([]byte, WrappedKeySize)
	if _, err := rand.Read(out[:saltSize+ivSize]); err != nil {
		return nil, err
	}
	stream, err := codeStream(code, out[:saltSize], out[saltSize:saltSize+ivSize])
	if err != nil {
		return nil, err
	}
	stream.XORKeyStream(out[saltSize+ivSize:], pub[:])
	return out, nil
}

// UnwrapKey reverses WrapKey. A wrong code yields a wrong key, not an
// error; the mismatch surfaces when the key bundle fails to open.
func UnwrapKey(code string, wrapped []byte) ([32]byte, error) {
	var pub [32]byte
	if len(wrapped) != WrappedKeySize {
		return pub, fmt.Errorf("%w: wrapped key of %d bytes", ErrMalformed, len(wrapped))
	}
	stream, err := codeStream(code, wrapped[:saltSize], wrapped[saltSize:saltSize+ivSize])
	if err != nil {
		return pub, err
	}
	stream.XORKeyStream(pub[:], wrapped[saltSize+ivSize:])
	return pub, nil
}

// Challenge is one phone-number pairing attempt from the companion side.
type Challenge struct {
	Phone     string
	Code      string
	Ephemeral *crypto.KeyPair
	// Wrapped is the companion ephemeral key wrapped with Code, sent in
	// the companion_hello stage.
	Wrapped []byte

	mu  sync.Mutex
	ref string
}

// NewChallenge creates a challenge for phone with a fresh code.
func NewChallenge(phone string) (*Challenge, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapKey(code, eph.Public)
	if err != nil {
		return nil, err
	}
	return &Challenge{Phone: phone, Code: code, Ephemeral: eph, Wrapped: wrapped}, nil
}

// SetRef records the pairing ref the server assigned to this challenge.
func (c *Challenge) SetRef(ref string) {
	c.mu.Lock()
	c.ref = ref
	c.mu.Unlock()
}

// Ref returns the ref set by SetRef.
func (c *Challenge) Ref() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

// Finish is the companion_finish material derived from the primary's
// response.
type Finish struct {
	// KeyBundle is salt || iv || AES-GCM(identity || primary identity || random).
	KeyBundle []byte
	// AdvSecret replaces the device's adv secret key.
	AdvSecret []byte
}

// Complete handles the primary_hello notification. ref must match the
// active ref; wrappedPrimary is the primary's code-wrapped ephemeral key.
func (c *Challenge) Complete(ref string, wrappedPrimary []byte, primaryIdentity [32]byte, identity *crypto.KeyPair) (*Finish, error) {
	if cur := c.Ref(); cur == "" || ref != cur {
		return nil, fmt.Errorf("%w: ref %q", ErrStaleChallenge, ref)
	}
	primaryEph, err := UnwrapKey(c.Code, wrappedPrimary)
	if err != nil {
		return nil, err
	}
	shared, err := c.Ephemeral.SharedSecret(primaryEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	random := make([]byte, 32)
	salt := make([]byte, 32)
	iv := make([]byte, 12)
	for _, b := range [][]byte{random, salt, iv} {
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
	}
	key, err := crypto.HKDF(shared[:], salt, bundleInfo, 32)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 96)
	payload = append(payload, identity.Public[:]...)
	payload = append(payload, primaryIdentity[:]...)
	payload = append(payload, random...)
	bundle := append(append(salt, iv...), aead.Seal(nil, iv, payload, nil)...)

	identityShared, err := identity.SharedSecret(primaryIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	adv, err := crypto.HKDF(concat(shared[:], identityShared[:], random), nil, advInfo, 32)
	if err != nil {
		return nil, err
	}
	crypto.ZeroBytes(shared[:])
	crypto.ZeroBytes(identityShared[:])
	return &Finish{KeyBundle: bundle, AdvSecret: adv}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
