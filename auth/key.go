package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
)

const (
	keyBits = 2048

	// The public key wire format is fixed-width for 2048-bit keys:
	// word count (4) + n0inv (4) + modulus (256) + rr (256) + exponent (4).
	pubKeyWords   = keyBits / 32
	pubKeyModulus = keyBits / 8
	pubKeyEncSize = 4 + 4 + pubKeyModulus + pubKeyModulus + 4
)

// KeyPair is an RSA-2048 Authenticator. The daemon's challenge token is a
// 20-byte digest which gets a standard SHA-1 PKCS#1 v1.5 signature; the
// public half goes on the wire in the daemon's custom pre-computed
// Montgomery form rather than any standard encoding.
type KeyPair struct {
	private *rsa.PrivateKey
	comment string // appended after the base64 blob, e.g. "user@host"
}

var _ Authenticator = (*KeyPair)(nil)

// GenerateKeyPair creates a fresh RSA-2048 key pair.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{private: priv, comment: comment}, nil
}

// LoadKeyPair reads a PKCS#1 or PKCS#8 PEM private key from disk.
func LoadKeyPair(path, comment string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &KeyPair{private: key, comment: comment}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not hold an RSA key", path)
	}
	return &KeyPair{private: key, comment: comment}, nil
}

// Save writes the private key to disk as PKCS#8 PEM with 0600 permissions.
func (k *KeyPair) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// Sign signs the daemon's challenge token. The token is already a SHA-1
// sized digest, so it is signed directly rather than re-hashed.
func (k *KeyPair) Sign(token []byte) ([]byte, error) {
	if len(token) != crypto.SHA1.Size() {
		return nil, fmt.Errorf("challenge token is %d bytes, want %d", len(token), crypto.SHA1.Size())
	}
	return rsa.SignPKCS1v15(nil, k.private, crypto.SHA1, token)
}

// PublicKey returns the base64 wire encoding of the public key followed by
// " <comment>", the format the daemon stores in its authorized key list.
func (k *KeyPair) PublicKey() ([]byte, error) {
	raw, err := encodePublicKey(&k.private.PublicKey)
	if err != nil {
		return nil, err
	}
	out := base64.StdEncoding.EncodeToString(raw)
	if k.comment != "" {
		out += " " + k.comment
	}
	return []byte(out), nil
}

// encodePublicKey produces the daemon's binary public key layout. The
// modulus and rr = 2^(2*keyBits) mod n are little-endian; n0inv is
// -1/n[0] mod 2^32, pre-computed for the daemon's Montgomery multiplier.
func encodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != keyBits {
		return nil, fmt.Errorf("public key is %d bits, want %d", pub.N.BitLen(), keyBits)
	}

	buf := make([]byte, pubKeyEncSize)
	binary.LittleEndian.PutUint32(buf[0:4], pubKeyWords)

	// n0inv = -(n^-1) mod 2^32, over the lowest modulus word.
	two32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, two32)
	n0inv := new(big.Int).ModInverse(n0, two32)
	if n0inv == nil {
		return nil, fmt.Errorf("modulus has even low word")
	}
	n0inv.Neg(n0inv).Mod(n0inv, two32)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n0inv.Uint64()))

	putLittleEndian(buf[8:8+pubKeyModulus], pub.N)

	rr := new(big.Int).Lsh(big.NewInt(1), 2*keyBits)
	rr.Mod(rr, pub.N)
	putLittleEndian(buf[8+pubKeyModulus:8+2*pubKeyModulus], rr)

	binary.LittleEndian.PutUint32(buf[8+2*pubKeyModulus:], uint32(pub.E))
	return buf, nil
}

// putLittleEndian writes v into dst as a fixed-width little-endian integer.
func putLittleEndian(dst []byte, v *big.Int) {
	be := v.FillBytes(make([]byte, len(dst)))
	for i, b := range be {
		dst[len(dst)-1-i] = b
	}
}
