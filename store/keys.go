package store

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// KeyMaterial produces per-message key-wrapping pads. Pads are deterministic
// in the message id, so a wrapped key can be unwrapped at any later time with
// the same material. Pads must be computed with a keyed function: without the
// account secret, a pad (and thus a session key) must be unrecoverable.
type KeyMaterial interface {
	// Pad returns the 16-byte wrapping pad for a message id.
	Pad(messageID int64) [16]byte
}

// MasterKeys is KeyMaterial derived from an account master secret.
type MasterKeys struct {
	wrapKey [32]byte
}

// NewMasterKeys derives key material from the account master secret.
func NewMasterKeys(master []byte) (MasterKeys, error) {
	var mk MasterKeys
	r := hkdf.New(sha256.New, master, nil, []byte("mvault message key wrap"))
	if _, err := io.ReadFull(r, mk.wrapKey[:]); err != nil {
		return MasterKeys{}, fmt.Errorf("deriving wrap key: %v", err)
	}
	return mk, nil
}

// Pad computes the keyed hash of the message id under the derived wrap key.
func (mk MasterKeys) Pad(messageID int64) [16]byte {
	h := blake3.New(16, mk.wrapKey[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(messageID))
	h.Write(buf[:])
	var pad [16]byte
	copy(pad[:], h.Sum(nil))
	return pad
}

// WrapKey combines a 16-byte session key with the pad for the message id,
// for storage in Message.WrappedKey.
func WrapKey(km KeyMaterial, messageID int64, sessionKey [16]byte) []byte {
	pad := km.Pad(messageID)
	wrapped := make([]byte, 16)
	for i := range wrapped {
		wrapped[i] = sessionKey[i] ^ pad[i]
	}
	return wrapped
}

// UnwrapKey recovers the session key from a stored wrapped key. Wrapping is
// an involution, so this is WrapKey again.
func UnwrapKey(km KeyMaterial, messageID int64, wrapped []byte) ([16]byte, error) {
	var key [16]byte
	if len(wrapped) != 16 {
		return key, fmt.Errorf("wrapped key has length %d, expected 16", len(wrapped))
	}
	pad := km.Pad(messageID)
	for i := range key {
		key[i] = wrapped[i] ^ pad[i]
	}
	return key, nil
}
