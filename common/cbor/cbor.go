// Package cbor is a thin wrapper over fxamacker/cbor/v2 configured with a
// canonical encoding mode, used wherever the cluster core needs a compact,
// structured wire body (notify payloads, the pubsub driver's envelopes).
package cbor

import "github.com/fxamacker/cbor/v2"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("cbor: failed to build canonical encode mode: " + err.Error())
	}
	encMode = em

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cbor: failed to build decode mode: " + err.Error())
	}
	decMode = dm
}

// Marshal encodes v using canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes buf into v.
func Unmarshal(buf []byte, v interface{}) error {
	return decMode.Unmarshal(buf, v)
}
