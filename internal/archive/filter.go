package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/scrypt"
)

// Filter transforms one frame of an entry payload. Encode is applied when
// writing and Decode when reading; filters in a Chain are applied in order on
// encode and in reverse order on decode.
type Filter interface {
	Flag() Flags
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// Chain is an ordered set of filters applied to every frame of an entry.
type Chain []Filter

// Flags returns the union of the chain's filter flags.
func (c Chain) Flags() Flags {
	var f Flags
	for _, flt := range c {
		f |= flt.Flag()
	}
	return f
}

func (c Chain) encode(src []byte) ([]byte, error) {
	out := src
	for _, flt := range c {
		var err error
		if out, err = flt.Encode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c Chain) decode(src []byte) ([]byte, error) {
	out := src
	for i := len(c) - 1; i >= 0; i-- {
		var err error
		if out, err = c[i].Decode(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// forFlags selects the filters needed to decode an entry with the given
// flags. Compression is always applied before encryption.
func (c Chain) forFlags(flags Flags) (Chain, error) {
	var out Chain
	for _, want := range []Flags{FlagCompressed, FlagEncrypted} {
		if flags&want == 0 {
			continue
		}
		found := false
		for _, flt := range c {
			if flt.Flag() == want {
				out = append(out, flt)
				found = true
				break
			}
		}
		if !found {
			if want == FlagEncrypted {
				return nil, ErrDecrypt
			}
			return nil, fmt.Errorf("no filter registered for flag %#x", want)
		}
	}
	return out, nil
}

// ZstdFilter compresses each frame independently with zstd.
type ZstdFilter struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdFilter creates a zstd frame filter.
func NewZstdFilter() (*ZstdFilter, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &ZstdFilter{enc: enc, dec: dec}, nil
}

func (z *ZstdFilter) Flag() Flags { return FlagCompressed }

func (z *ZstdFilter) Encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/2+64)), nil
}

func (z *ZstdFilter) Decode(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Close releases the encoder and decoder.
func (z *ZstdFilter) Close() error {
	z.dec.Close()
	return z.enc.Close()
}

const (
	saltSize = 16
	keySize  = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// NewSalt returns a random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a password into an AES-256 key.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// AESFilter seals each frame with AES-256-GCM. Every frame carries its own
// random nonce as a prefix.
type AESFilter struct {
	aead cipher.AEAD
}

// NewAESFilter creates an encryption filter from a 32-byte key.
func NewAESFilter(key []byte) (*AESFilter, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key length %d, expected %d", len(key), keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &AESFilter{aead: aead}, nil
}

// NewPasswordFilter derives a key from password and salt and returns the
// matching encryption filter.
func NewPasswordFilter(password string, salt []byte) (*AESFilter, error) {
	key, err := DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	return NewAESFilter(key)
}

func (a *AESFilter) Flag() Flags { return FlagEncrypted }

func (a *AESFilter) Encode(src []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(src)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, src, nil), nil
}

func (a *AESFilter) Decode(src []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(src) < ns+a.aead.Overhead() {
		return nil, ErrDecrypt
	}
	out, err := a.aead.Open(nil, src[:ns], src[ns:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}

// signaturePlaintext is sealed into the manifest so a password can be
// checked before any payload is touched.
const signaturePlaintext = "sitemove-signature"

// Signature returns a sealed token proving knowledge of the filter's key.
func (a *AESFilter) Signature() (string, error) {
	sealed, err := a.Encode([]byte(signaturePlaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// CheckSignature returns ErrDecrypt unless sig was produced by a filter with
// the same key.
func (a *AESFilter) CheckSignature(sig string) error {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return ErrDecrypt
	}
	plain, err := a.Decode(raw)
	if err != nil {
		return err
	}
	if string(plain) != signaturePlaintext {
		return ErrDecrypt
	}
	return nil
}
