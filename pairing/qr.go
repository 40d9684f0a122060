package pairing

import (
	"encoding/base64"
	"strings"
)

// QRCode returns the payload to render for one pairing ref.
func QRCode(ref string, noisePub, identityPub [32]byte, advSecret []byte) string {
	return strings.Join([]string{
		ref,
		base64.StdEncoding.EncodeToString(noisePub[:]),
		base64.StdEncoding.EncodeToString(identityPub[:]),
		base64.StdEncoding.EncodeToString(advSecret),
	}, ",")
}

// QRCodes renders every ref in order.
func QRCodes(refs []string, noisePub, identityPub [32]byte, advSecret []byte) []string {
	codes := make([]string, len(refs))
	for i, ref := range refs {
		codes[i] = QRCode(ref, noisePub, identityPub, advSecret)
	}
	return codes
}
