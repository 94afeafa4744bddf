package remote

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by the device service.
const CodecName = "cbor"

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("remote: cbor enc mode: " + err.Error())
	}
	encoding.RegisterCodec(codec{})
}

// codec marshals device messages as canonical CBOR.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}
