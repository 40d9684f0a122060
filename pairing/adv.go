package pairing

import (
	"bytes"
	"crypto/hmac"
	"fmt"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/wire"
)

// Signature prefixes separate account and device signatures over the same
// details.
var (
	accountSignaturePrefix = []byte{6, 0}
	deviceSignaturePrefix  = []byte{6, 1}
)

// DeviceIdentity is the primary's statement about a linked device.
type DeviceIdentity struct {
	RawID     uint32
	Timestamp uint64
	KeyIndex  uint32
}

// Marshal encodes the identity.
func (d *DeviceIdentity) Marshal() []byte {
	return (&wire.Builder{}).
		AddUint(1, uint64(d.RawID)).
		AddUint(2, d.Timestamp).
		AddUint(3, uint64(d.KeyIndex)).
		Bytes()
}

// UnmarshalDeviceIdentity decodes DeviceIdentity.
func UnmarshalDeviceIdentity(b []byte) (*DeviceIdentity, error) {
	d := &DeviceIdentity{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			d.RawID = uint32(f.Uint)
		case 2:
			d.Timestamp = f.Uint
		case 3:
			d.KeyIndex = uint32(f.Uint)
		}
		return nil
	})
	return d, err
}

// SignedDeviceIdentity carries DeviceIdentity details with the account and
// device signatures.
type SignedDeviceIdentity struct {
	Details             []byte
	AccountSignatureKey []byte
	AccountSignature    []byte
	DeviceSignature     []byte
}

// Marshal encodes the identity. The account signature key is omitted when
// nil, which is the form sent back in pair-device-sign.
func (s *SignedDeviceIdentity) Marshal() []byte {
	return (&wire.Builder{}).
		AddBytes(1, s.Details).
		AddBytes(2, s.AccountSignatureKey).
		AddBytes(3, s.AccountSignature).
		AddBytes(4, s.DeviceSignature).
		Bytes()
}

// UnmarshalSignedDeviceIdentity decodes SignedDeviceIdentity.
func UnmarshalSignedDeviceIdentity(b []byte) (*SignedDeviceIdentity, error) {
	s := &SignedDeviceIdentity{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			s.Details = wire.Copy(f.Bytes)
		case 2:
			s.AccountSignatureKey = wire.Copy(f.Bytes)
		case 3:
			s.AccountSignature = wire.Copy(f.Bytes)
		case 4:
			s.DeviceSignature = wire.Copy(f.Bytes)
		}
		return nil
	})
	return s, err
}

// Verified is the outcome of a successful pair-success verification.
type Verified struct {
	Identity *DeviceIdentity
	// Account is the full signed identity including our device signature,
	// persisted as store.Device.Account.
	Account []byte
	// Reply is the signed identity without the account signature key,
	// sent back inside pair-device-sign.
	Reply []byte
}

// VerifyDeviceIdentity checks the pair-success device-identity container
// and countersigns it with identity.
func VerifyDeviceIdentity(container, advSecret []byte, identity *crypto.KeyPair) (*Verified, error) {
	var details, mac []byte
	err := wire.Walk(container, func(f wire.Field) error {
		switch f.Num {
		case 1:
			details = f.Bytes
		case 2:
			mac = f.Bytes
		}
		return nil
	})
	if err != nil || details == nil {
		return nil, fmt.Errorf("%w: device identity container", ErrMalformed)
	}
	if !hmac.Equal(crypto.HMACSHA256(advSecret, details), mac) {
		return nil, ErrInvalidHMAC
	}

	signed, err := UnmarshalSignedDeviceIdentity(details)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var accountKey [32]byte
	if len(signed.AccountSignatureKey) != 32 {
		return nil, fmt.Errorf("%w: account signature key", ErrMalformed)
	}
	copy(accountKey[:], signed.AccountSignatureKey)
	msg := concat(accountSignaturePrefix, signed.Details, identity.Public[:])
	if !crypto.VerifyXEdDSA(accountKey, msg, signed.AccountSignature) {
		return nil, ErrInvalidAccountSignature
	}

	sig, err := identity.Sign(concat(deviceSignaturePrefix, signed.Details, identity.Public[:], signed.AccountSignatureKey))
	if err != nil {
		return nil, err
	}
	signed.DeviceSignature = sig[:]
	ident, err := UnmarshalDeviceIdentity(signed.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	v := &Verified{Identity: ident, Account: signed.Marshal()}
	reply := *signed
	reply.AccountSignatureKey = nil
	v.Reply = reply.Marshal()
	return v, nil
}

// IssueDeviceIdentity builds a device-identity container as the primary
// would for pair-success.
func IssueDeviceIdentity(account *crypto.KeyPair, advSecret []byte, companionIdentity [32]byte, ident *DeviceIdentity) ([]byte, error) {
	details := ident.Marshal()
	sig, err := account.Sign(concat(accountSignaturePrefix, details, companionIdentity[:]))
	if err != nil {
		return nil, err
	}
	signed := (&SignedDeviceIdentity{
		Details:             details,
		AccountSignatureKey: bytes.Clone(account.Public[:]),
		AccountSignature:    sig[:],
	}).Marshal()
	return (&wire.Builder{}).
		AddBytes(1, signed).
		AddBytes(2, crypto.HMACSHA256(advSecret, signed)).
		Bytes(), nil
}

// VerifyDeviceSignature checks the countersignature in a persisted account
// blob against the device identity key.
func VerifyDeviceSignature(account []byte, identityPub [32]byte) bool {
	signed, err := UnmarshalSignedDeviceIdentity(account)
	if err != nil {
		return false
	}
	msg := concat(deviceSignaturePrefix, signed.Details, identityPub[:], signed.AccountSignatureKey)
	return crypto.VerifyXEdDSA(identityPub, msg, signed.DeviceSignature)
}
