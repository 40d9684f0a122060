package store

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/types"
	"github.com/opd-ai/wacore/wire"
)

// Device is the persisted identity of this linked device.
type Device struct {
	// ID is nil until pairing succeeds.
	ID           *types.JID
	LID          *types.JID
	NoiseKey     *crypto.KeyPair
	IdentityKey  *crypto.KeyPair
	SignedPreKey *crypto.PreKey
	// RegistrationID is a random 14-bit value.
	RegistrationID uint32
	AdvSecretKey   []byte
	// Account is the serialized ADV signed device identity received at
	// pairing, with the device signature filled in.
	Account  []byte
	Platform string
	PushName string
	// Companions lists the other devices of the account known at pairing.
	Companions []types.JID

	AccountSyncCounter      uint32
	NextPreKeyID            uint32
	FirstUnuploadedPreKeyID uint32
}

// NewDevice generates fresh credentials for a device that has not been
// paired yet.
func NewDevice() (*Device, error) {
	noiseKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("noise key: %w", err)
	}
	identityKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	spk, err := crypto.NewPreKey(1)
	if err != nil {
		return nil, fmt.Errorf("signed prekey: %w", err)
	}
	if spk, err = spk.SignedBy(identityKey); err != nil {
		return nil, err
	}

	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("registration id: %w", err)
	}
	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return nil, fmt.Errorf("adv secret: %w", err)
	}

	return &Device{
		NoiseKey:                noiseKey,
		IdentityKey:             identityKey,
		SignedPreKey:            spk,
		RegistrationID:          uint32(binary.BigEndian.Uint16(buf[:]) & 0x3FFF),
		AdvSecretKey:            adv,
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}, nil
}

// IsPaired reports whether the device has completed pairing.
func (d *Device) IsPaired() bool {
	return d.ID != nil && !d.ID.IsEmpty()
}

// Clone returns a copy that can be changed without affecting d. Key pairs
// are shared; they are replaced, never modified.
func (d *Device) Clone() *Device {
	out := *d
	if d.ID != nil {
		id := *d.ID
		out.ID = &id
	}
	if d.LID != nil {
		lid := *d.LID
		out.LID = &lid
	}
	out.AdvSecretKey = bytes.Clone(d.AdvSecretKey)
	out.Account = bytes.Clone(d.Account)
	out.Companions = slices.Clone(d.Companions)
	return &out
}

const (
	fieldDeviceID           = 1
	fieldDeviceLID          = 2
	fieldNoisePrivate       = 3
	fieldIdentityPrivate    = 4
	fieldSignedPreKey       = 5
	fieldRegistrationID     = 6
	fieldAdvSecret          = 7
	fieldAccount            = 8
	fieldPlatform           = 9
	fieldPushName           = 10
	fieldCompanion          = 11
	fieldAccountSyncCounter = 12
	fieldNextPreKeyID       = 13
	fieldFirstUnuploaded    = 14
)

// MarshalBinary encodes the device for storage.
func (d *Device) MarshalBinary() ([]byte, error) {
	if d.NoiseKey == nil || d.IdentityKey == nil || d.SignedPreKey == nil {
		return nil, fmt.Errorf("device is missing key material")
	}
	var w wire.Builder
	if d.ID != nil {
		w.AddString(fieldDeviceID, d.ID.String())
	}
	if d.LID != nil {
		w.AddString(fieldDeviceLID, d.LID.String())
	}
	w.AddBytes(fieldNoisePrivate, d.NoiseKey.Private[:])
	w.AddBytes(fieldIdentityPrivate, d.IdentityKey.Private[:])
	w.AddBytes(fieldSignedPreKey, MarshalPreKey(d.SignedPreKey))
	w.AddUint(fieldRegistrationID, uint64(d.RegistrationID))
	w.AddBytes(fieldAdvSecret, d.AdvSecretKey)
	w.AddBytes(fieldAccount, d.Account)
	w.AddString(fieldPlatform, d.Platform)
	w.AddString(fieldPushName, d.PushName)
	for _, c := range d.Companions {
		w.AddString(fieldCompanion, c.String())
	}
	w.AddUint(fieldAccountSyncCounter, uint64(d.AccountSyncCounter))
	w.AddUint(fieldNextPreKeyID, uint64(d.NextPreKeyID))
	w.AddUint(fieldFirstUnuploaded, uint64(d.FirstUnuploadedPreKeyID))
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a device written by MarshalBinary.
func (d *Device) UnmarshalBinary(b []byte) error {
	*d = Device{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case fieldDeviceID, fieldDeviceLID, fieldCompanion:
			jid, err := types.ParseJID(string(f.Bytes))
			if err != nil {
				return err
			}
			switch f.Num {
			case fieldDeviceID:
				d.ID = &jid
			case fieldDeviceLID:
				d.LID = &jid
			default:
				d.Companions = append(d.Companions, jid)
			}
		case fieldNoisePrivate, fieldIdentityPrivate:
			priv, err := wire.Key32(f)
			if err != nil {
				return err
			}
			kp, err := crypto.FromSecretKey(priv)
			if err != nil {
				return err
			}
			if f.Num == fieldNoisePrivate {
				d.NoiseKey = kp
			} else {
				d.IdentityKey = kp
			}
		case fieldSignedPreKey:
			pk, err := UnmarshalPreKey(f.Bytes)
			if err != nil {
				return err
			}
			d.SignedPreKey = pk
		case fieldRegistrationID:
			d.RegistrationID = uint32(f.Uint)
		case fieldAdvSecret:
			d.AdvSecretKey = wire.Copy(f.Bytes)
		case fieldAccount:
			d.Account = wire.Copy(f.Bytes)
		case fieldPlatform:
			d.Platform = string(f.Bytes)
		case fieldPushName:
			d.PushName = string(f.Bytes)
		case fieldAccountSyncCounter:
			d.AccountSyncCounter = uint32(f.Uint)
		case fieldNextPreKeyID:
			d.NextPreKeyID = uint32(f.Uint)
		case fieldFirstUnuploaded:
			d.FirstUnuploadedPreKeyID = uint32(f.Uint)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("decode device: %w", err)
	}
	if d.NoiseKey == nil || d.IdentityKey == nil || d.SignedPreKey == nil {
		return fmt.Errorf("decode device: %w: missing key material", wire.ErrInvalidMessage)
	}
	return nil
}

const (
	fieldPreKeyID        = 1
	fieldPreKeyPrivate   = 2
	fieldPreKeySignature = 3
)

// MarshalPreKey encodes a prekey for storage. The public key is derived
// again on decode.
func MarshalPreKey(pk *crypto.PreKey) []byte {
	var w wire.Builder
	w.AddUint(fieldPreKeyID, uint64(pk.KeyID))
	w.AddBytes(fieldPreKeyPrivate, pk.Private[:])
	if pk.Signature != nil {
		w.AddBytes(fieldPreKeySignature, pk.Signature[:])
	}
	return w.Bytes()
}

// UnmarshalPreKey decodes a prekey written by MarshalPreKey.
func UnmarshalPreKey(b []byte) (*crypto.PreKey, error) {
	pk := &crypto.PreKey{}
	var havePrivate bool
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case fieldPreKeyID:
			pk.KeyID = uint32(f.Uint)
		case fieldPreKeyPrivate:
			priv, err := wire.Key32(f)
			if err != nil {
				return err
			}
			kp, err := crypto.FromSecretKey(priv)
			if err != nil {
				return err
			}
			pk.KeyPair = *kp
			havePrivate = true
		case fieldPreKeySignature:
			if len(f.Bytes) != crypto.SignatureSize {
				return fmt.Errorf("%w: prekey signature length %d", wire.ErrInvalidMessage, len(f.Bytes))
			}
			var sig [64]byte
			copy(sig[:], f.Bytes)
			pk.Signature = &sig
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode prekey: %w", err)
	}
	if !havePrivate {
		return nil, fmt.Errorf("decode prekey: %w: missing private key", wire.ErrInvalidMessage)
	}
	return pk, nil
}
