package noise

import (
	"bytes"
	"fmt"
	"time"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/wire"
)

// DefaultAuthorityKey is the pinned key that signs the edge's intermediate
// certificates.
var DefaultAuthorityKey = [32]byte{
	0x14, 0x23, 0x75, 0x57, 0x4d, 0x0a, 0x58, 0x71,
	0x66, 0xaa, 0xe7, 0x1e, 0xbe, 0x51, 0x64, 0x37,
	0xc4, 0xa2, 0x8b, 0x73, 0xe3, 0x69, 0x5c, 0x6c,
	0xe1, 0xf7, 0xf9, 0x54, 0x5d, 0xa8, 0xee, 0x6b,
}

// CertDetails is the signed body of a certificate.
type CertDetails struct {
	Serial       uint32
	IssuerSerial uint32
	Key          []byte
	NotBefore    int64
	NotAfter     int64
}

// Marshal encodes the details.
func (d *CertDetails) Marshal() []byte {
	return (&wire.Builder{}).
		AddUint(1, uint64(d.Serial)).
		AddUint(2, uint64(d.IssuerSerial)).
		AddBytes(3, d.Key).
		AddUint(4, uint64(d.NotBefore)).
		AddUint(5, uint64(d.NotAfter)).
		Bytes()
}

// UnmarshalCertDetails decodes certificate details.
func UnmarshalCertDetails(b []byte) (*CertDetails, error) {
	d := &CertDetails{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			d.Serial = uint32(f.Uint)
		case 2:
			d.IssuerSerial = uint32(f.Uint)
		case 3:
			d.Key = f.Bytes
		case 4:
			d.NotBefore = int64(f.Uint)
		case 5:
			d.NotAfter = int64(f.Uint)
		}
		return nil
	})
	return d, err
}

// Certificate pairs encoded details with the issuer's signature.
type Certificate struct {
	Details   []byte
	Signature []byte
}

// CertChain is the ServerHello payload.
type CertChain struct {
	Leaf         Certificate
	Intermediate Certificate
}

// Marshal encodes the chain.
func (c *CertChain) Marshal() []byte {
	cert := func(x Certificate) *wire.Builder {
		return (&wire.Builder{}).AddBytes(1, x.Details).AddBytes(2, x.Signature)
	}
	return (&wire.Builder{}).
		AddMessage(1, cert(c.Leaf)).
		AddMessage(2, cert(c.Intermediate)).
		Bytes()
}

// UnmarshalCertChain decodes a chain.
func UnmarshalCertChain(b []byte) (*CertChain, error) {
	c := &CertChain{}
	err := wire.Walk(b, func(f wire.Field) error {
		var target *Certificate
		switch f.Num {
		case 1:
			target = &c.Leaf
		case 2:
			target = &c.Intermediate
		default:
			return nil
		}
		return wire.Walk(f.Bytes, func(cf wire.Field) error {
			switch cf.Num {
			case 1:
				target.Details = cf.Bytes
			case 2:
				target.Signature = cf.Bytes
			}
			return nil
		})
	})
	return c, err
}

// VerifyCertChain checks that the intermediate is signed by authority, the
// leaf by the intermediate, and that the leaf key is serverStatic. A zero
// validity bound is not enforced.
func VerifyCertChain(payload []byte, authority [32]byte, serverStatic []byte, now time.Time) error {
	chain, err := UnmarshalCertChain(payload)
	if err != nil {
		return fmt.Errorf("%w: decode chain: %v", ErrCertificate, err)
	}

	if !crypto.VerifyXEdDSA(authority, chain.Intermediate.Details, chain.Intermediate.Signature) {
		return fmt.Errorf("%w: intermediate signature", ErrCertificate)
	}
	inter, err := UnmarshalCertDetails(chain.Intermediate.Details)
	if err != nil || len(inter.Key) != 32 {
		return fmt.Errorf("%w: intermediate details", ErrCertificate)
	}
	if err := checkValidity(inter, now); err != nil {
		return err
	}

	var interKey [32]byte
	copy(interKey[:], inter.Key)
	if !crypto.VerifyXEdDSA(interKey, chain.Leaf.Details, chain.Leaf.Signature) {
		return fmt.Errorf("%w: leaf signature", ErrCertificate)
	}
	leaf, err := UnmarshalCertDetails(chain.Leaf.Details)
	if err != nil {
		return fmt.Errorf("%w: leaf details", ErrCertificate)
	}
	if leaf.IssuerSerial != inter.Serial {
		return fmt.Errorf("%w: leaf issuer %d does not match intermediate %d", ErrCertificate, leaf.IssuerSerial, inter.Serial)
	}
	if err := checkValidity(leaf, now); err != nil {
		return err
	}
	if !bytes.Equal(leaf.Key, serverStatic) {
		return fmt.Errorf("%w: leaf key does not match server static key", ErrCertificate)
	}
	return nil
}

func checkValidity(d *CertDetails, now time.Time) error {
	ts := now.Unix()
	if d.NotBefore != 0 && ts < d.NotBefore {
		return fmt.Errorf("%w: certificate %d not yet valid", ErrCertificate, d.Serial)
	}
	if d.NotAfter != 0 && ts > d.NotAfter {
		return fmt.Errorf("%w: certificate %d expired", ErrCertificate, d.Serial)
	}
	return nil
}

// IssueCertChain builds a chain for serverStatic signed through
// intermediate by authority. Test servers use it to stand in for the edge.
func IssueCertChain(authority, intermediate *crypto.KeyPair, serverStatic [32]byte, validity time.Duration) ([]byte, error) {
	var notBefore, notAfter int64
	if validity > 0 {
		now := crypto.GetDefaultTimeProvider().Now()
		notBefore, notAfter = now.Add(-time.Minute).Unix(), now.Add(validity).Unix()
	}

	interDetails := (&CertDetails{Serial: 1, Key: intermediate.Public[:], NotBefore: notBefore, NotAfter: notAfter}).Marshal()
	interSig, err := authority.Sign(interDetails)
	if err != nil {
		return nil, err
	}
	leafDetails := (&CertDetails{Serial: 2, IssuerSerial: 1, Key: serverStatic[:], NotBefore: notBefore, NotAfter: notAfter}).Marshal()
	leafSig, err := intermediate.Sign(leafDetails)
	if err != nil {
		return nil, err
	}

	chain := &CertChain{
		Leaf:         Certificate{Details: leafDetails, Signature: leafSig[:]},
		Intermediate: Certificate{Details: interDetails, Signature: interSig[:]},
	}
	return chain.Marshal(), nil
}
