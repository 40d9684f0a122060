package noise

import (
	"encoding/binary"

	"github.com/opd-ai/wacore/wire"
)

// Platform identifies the client family in the user agent.
type Platform int32

// Platforms the edge accepts from companion devices.
const (
	PlatformAndroid Platform = 0
	PlatformIOS     Platform = 1
	PlatformWeb     Platform = 14
	PlatformMacOS   Platform = 24
)

// ConnectType and ConnectReason values sent on login.
const (
	ConnectTypeWifiUnknown     = 1
	ConnectReasonUserActivated = 1
)

// AppVersion is a three-part client version.
type AppVersion [3]uint32

func (v AppVersion) builder() *wire.Builder {
	return (&wire.Builder{}).AddUint(1, uint64(v[0])).AddUint(2, uint64(v[1])).AddUint(3, uint64(v[2]))
}

func parseAppVersion(b []byte) (AppVersion, error) {
	var v AppVersion
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num >= 1 && f.Num <= 3 {
			v[f.Num-1] = uint32(f.Uint)
		}
		return nil
	})
	return v, err
}

// UserAgent describes the connecting client.
type UserAgent struct {
	Platform       Platform
	AppVersion     AppVersion
	OSVersion      string
	Manufacturer   string
	Device         string
	ReleaseChannel uint32
}

func (ua *UserAgent) builder() *wire.Builder {
	return (&wire.Builder{}).
		AddUint(1, uint64(ua.Platform)).
		AddMessage(2, ua.AppVersion.builder()).
		AddString(5, ua.OSVersion).
		AddString(6, ua.Manufacturer).
		AddString(7, ua.Device).
		AddUint(10, uint64(ua.ReleaseChannel))
}

// DeviceProps is sent with registration and names the companion in the
// primary device's linked-devices list.
type DeviceProps struct {
	OS              string
	Version         AppVersion
	PlatformType    uint32
	RequireFullSync bool
	// HistorySyncTypes limits the history kinds the primary sends. Empty
	// leaves the choice to the primary.
	HistorySyncTypes []uint32
}

// Marshal encodes the device properties.
func (p *DeviceProps) Marshal() []byte {
	syncTypes := make([]uint64, len(p.HistorySyncTypes))
	for i, t := range p.HistorySyncTypes {
		syncTypes[i] = uint64(t)
	}
	return (&wire.Builder{}).
		AddString(1, p.OS).
		AddMessage(2, p.Version.builder()).
		AddUint(3, uint64(p.PlatformType)).
		AddBool(4, p.RequireFullSync).
		AddPacked(5, syncTypes).
		Bytes()
}

// UnmarshalDeviceProps decodes device properties.
func UnmarshalDeviceProps(b []byte) (*DeviceProps, error) {
	p := &DeviceProps{}
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			p.OS = string(f.Bytes)
		case 2:
			p.Version, err = parseAppVersion(f.Bytes)
		case 3:
			p.PlatformType = uint32(f.Uint)
		case 4:
			p.RequireFullSync = f.Uint != 0
		case 5:
			var vs []uint64
			vs, err = f.Varints()
			for _, v := range vs {
				p.HistorySyncTypes = append(p.HistorySyncTypes, uint32(v))
			}
		}
		return err
	})
	return p, err
}

// DevicePairingData carries the keys a fresh device registers with.
type DevicePairingData struct {
	ERegID      []byte
	EKeyType    []byte
	EIdent      []byte
	ESKeyID     []byte
	ESKeyVal    []byte
	ESKeySig    []byte
	BuildHash   []byte
	DeviceProps []byte
}

func (d *DevicePairingData) builder() *wire.Builder {
	if d == nil {
		return nil
	}
	return (&wire.Builder{}).
		AddBytes(1, d.ERegID).
		AddBytes(2, d.EKeyType).
		AddBytes(3, d.EIdent).
		AddBytes(4, d.ESKeyID).
		AddBytes(5, d.ESKeyVal).
		AddBytes(6, d.ESKeySig).
		AddBytes(7, d.BuildHash).
		AddBytes(8, d.DeviceProps)
}

// ClientPayload is the encrypted ClientFinish payload. A paired device
// sets Username and Device; a fresh one sets Pairing instead.
type ClientPayload struct {
	Username      uint64
	Passive       bool
	UserAgent     UserAgent
	PushName      string
	ConnectType   uint32
	ConnectReason uint32
	Device        uint32
	Pairing       *DevicePairingData
	Pull          bool
}

// IsRegistration reports whether the payload registers a new device.
func (p *ClientPayload) IsRegistration() bool {
	return p.Pairing != nil
}

// Marshal encodes the payload.
func (p *ClientPayload) Marshal() []byte {
	return (&wire.Builder{}).
		AddUint(1, p.Username).
		AddBool(3, p.Passive).
		AddMessage(5, p.UserAgent.builder()).
		AddString(7, p.PushName).
		AddUint(12, uint64(p.ConnectType)).
		AddUint(13, uint64(p.ConnectReason)).
		AddUint(18, uint64(p.Device)).
		AddMessage(19, p.Pairing.builder()).
		AddBool(33, p.Pull).
		Bytes()
}

// UnmarshalClientPayload decodes a client payload.
func UnmarshalClientPayload(b []byte) (*ClientPayload, error) {
	p := &ClientPayload{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.Username = f.Uint
		case 3:
			p.Passive = f.Uint != 0
		case 5:
			return wire.Walk(f.Bytes, func(uf wire.Field) error {
				var err error
				switch uf.Num {
				case 1:
					p.UserAgent.Platform = Platform(uf.Uint)
				case 2:
					p.UserAgent.AppVersion, err = parseAppVersion(uf.Bytes)
				case 5:
					p.UserAgent.OSVersion = string(uf.Bytes)
				case 6:
					p.UserAgent.Manufacturer = string(uf.Bytes)
				case 7:
					p.UserAgent.Device = string(uf.Bytes)
				case 10:
					p.UserAgent.ReleaseChannel = uint32(uf.Uint)
				}
				return err
			})
		case 7:
			p.PushName = string(f.Bytes)
		case 12:
			p.ConnectType = uint32(f.Uint)
		case 13:
			p.ConnectReason = uint32(f.Uint)
		case 18:
			p.Device = uint32(f.Uint)
		case 19:
			d := &DevicePairingData{}
			p.Pairing = d
			return wire.Walk(f.Bytes, func(df wire.Field) error {
				v := wire.Copy(df.Bytes)
				switch df.Num {
				case 1:
					d.ERegID = v
				case 2:
					d.EKeyType = v
				case 3:
					d.EIdent = v
				case 4:
					d.ESKeyID = v
				case 5:
					d.ESKeyVal = v
				case 6:
					d.ESKeySig = v
				case 7:
					d.BuildHash = v
				case 8:
					d.DeviceProps = v
				}
				return nil
			})
		case 33:
			p.Pull = f.Uint != 0
		}
		return nil
	})
	return p, err
}

// HelloMetadata is the plaintext ClientHello payload.
type HelloMetadata struct {
	Version  AppVersion
	Platform string
}

// Marshal encodes the metadata.
func (h *HelloMetadata) Marshal() []byte {
	return (&wire.Builder{}).AddMessage(1, h.Version.builder()).AddString(2, h.Platform).Bytes()
}

// UnmarshalHelloMetadata decodes hello metadata.
func UnmarshalHelloMetadata(b []byte) (*HelloMetadata, error) {
	h := &HelloMetadata{}
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			h.Version, err = parseAppVersion(f.Bytes)
		case 2:
			h.Platform = string(f.Bytes)
		}
		return err
	})
	return h, err
}

// EncodeUint32 encodes the fixed-width registration id of
// DevicePairingData.
func EncodeUint32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// EncodeUint24 encodes the low three bytes of v.
func EncodeUint24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}
