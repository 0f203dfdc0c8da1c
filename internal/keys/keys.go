// Package keys implements per-encryption-level AEAD + header-protection key
// material: derivation, slot management for key updates,
// and Initial secrets derived from the client destination CID per RFC 9001.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// Level is a QUIC encryption level.
type Level int

const (
	Initial Level = iota
	ZeroRTT
	Handshake
	OneRTT
	numLevels
)

// initialSaltV1 is the IETF QUIC v1 Initial salt (RFC 9001 section 5.2).
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

const (
	keyLen = 16 // AES-128-GCM key length used for Initial/Handshake per RFC 9001
	ivLen  = 12
	hpLen  = 16
)

// TagSize is the AES-GCM authentication tag length every AEAD in this
// package appends to Seal's output, needed by callers that must know a
// sealed packet's final length before Seal runs (the long-header Length
// field is written before the payload is encrypted).
const TagSize = 16

// AEAD is one directional packet-protection key: the AEAD cipher plus its
// header-protection cipher, and the static IV XORed with the packet number.
type AEAD struct {
	aead   cipher.AEAD
	hp     cipher.Block
	iv     []byte
	secret []byte // retained so a subsequent key update can derive from it
}

// Open decrypts payload in place (nonce = iv XOR packet number), using
// associated data ad (the packet header).
func (k *AEAD) Open(packetNumber uint64, ad, payload []byte) ([]byte, error) {
	nonce := k.nonce(packetNumber)
	return k.aead.Open(payload[:0], nonce, payload, ad)
}

// Seal encrypts payload in place, appending the authentication tag.
func (k *AEAD) Seal(packetNumber uint64, ad, payload []byte) []byte {
	nonce := k.nonce(packetNumber)
	return k.aead.Seal(payload[:0], nonce, payload, ad)
}

func (k *AEAD) nonce(packetNumber uint64) []byte {
	nonce := make([]byte, ivLen)
	copy(nonce, k.iv)
	for i := 0; i < 8; i++ {
		nonce[ivLen-1-i] ^= byte(packetNumber >> (8 * i))
	}
	return nonce
}

// HeaderProtectionMask encrypts a sample of protected ciphertext with the
// header-protection key, per RFC 9001 section 5.4, and returns the whole
// 16-byte AES block; callers use its first five bytes as the mask.
func (k *AEAD) HeaderProtectionMask(sample []byte) []byte {
	mask := make([]byte, aes.BlockSize)
	k.hp.Encrypt(mask, sample)
	return mask
}

// Slots holds the read/write AEAD pair for one level, plus the key-update
// staging slots for 1-RTT (current/new/old).
type Slots struct {
	Read, Write         *AEAD
	New1RTTRead         *AEAD // staged next-phase read key, derived ahead of use
	New1RTTWrite        *AEAD
	Old1RTTRead         *AEAD // retained briefly after a phase flip for late packets
	Old1RTTWrite        *AEAD
	HeaderProtectionNew *AEAD // HP key moves forward on rotation, never backward
}

// Schedule owns the per-level key slots for a connection.
type Schedule struct {
	levels        [numLevels]Slots
	keyPhase      bool // current 1-RTT key phase bit
	bytesSinceUpd uint64
	aeadFailures  uint64

	oneRTTReadSecret, oneRTTWriteSecret         []byte
	nextOneRTTReadSecret, nextOneRTTWriteSecret []byte
}

// AEADFailureLimit is the accumulated-decryption-failure ceiling (spec
// section 7): crossing it closes the connection with AEAD_LIMIT_REACHED.
const AEADFailureLimit = 11863283

// NewSchedule constructs an empty key schedule.
func NewSchedule() *Schedule { return &Schedule{} }

// Level returns the read/write slots for a level.
func (s *Schedule) Level(l Level) *Slots { return &s.levels[l] }

// RecordAEADFailure increments the accumulated decryption-failure counter
// and reports whether the connection must now close with AEAD_LIMIT_REACHED.
func (s *Schedule) RecordAEADFailure() (limitReached bool) {
	s.aeadFailures++
	return s.aeadFailures >= AEADFailureLimit
}

// DeriveInitialSecrets derives the client/server Initial secrets from the
// client's chosen destination CID (RFC 9001 section 5.2): a single HKDF
// extract against the version's Initial salt, then two expand-labels.
func DeriveInitialSecrets(clientDstConnID []byte) (clientSecret, serverSecret []byte) {
	initialSecret := hkdfExtract(initialSaltV1, clientDstConnID)
	clientSecret = hkdfExpandLabel(initialSecret, "client in", nil, sha256.Size)
	serverSecret = hkdfExpandLabel(initialSecret, "server in", nil, sha256.Size)
	return clientSecret, serverSecret
}

// DeriveAEAD derives the AEAD/HP key pair for one direction from a secret,
// per RFC 9001 section 5.1 ("quic key"/"quic iv"/"quic hp" labels).
func DeriveAEAD(secret []byte) (*AEAD, error) {
	key := hkdfExpandLabel(secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(secret, "quic iv", nil, ivLen)
	hp := hkdfExpandLabel(secret, "quic hp", nil, hpLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keys: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keys: gcm: %w", err)
	}
	hpBlock, err := aes.NewCipher(hp)
	if err != nil {
		return nil, fmt.Errorf("keys: hp cipher: %w", err)
	}
	return &AEAD{aead: aead, hp: hpBlock, iv: iv, secret: secret}, nil
}

// UpdateSecret derives the next-generation secret for a 1-RTT key update
// (RFC 9001 section 6, "quic ku" label).
func UpdateSecret(secret []byte) []byte {
	return hkdfExpandLabel(secret, "quic ku", nil, sha256.Size)
}

// hkdfExtract performs the HKDF-Extract step (RFC 5869) with SHA-256.
func hkdfExtract(salt, ikm []byte) []byte {
	extractor := hkdf.Extract(sha256.New, ikm, salt)
	out := make([]byte, sha256.Size)
	if _, err := extractor.Read(out); err != nil {
		panic(err) // hkdf.Extract's reader cannot fail for a valid hash
	}
	return out
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446 section
// 7.1) with the "tls13 " prefix, as required by RFC 9001 section 5.1.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	var hkdfLabel []byte
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	fullLabel := "tls13 " + label
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	reader := hkdf.Expand(sha256.New, secret, hkdfLabel)
	out := make([]byte, length)
	if _, err := reader.Read(out); err != nil {
		panic(err)
	}
	return out
}
