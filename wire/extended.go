package wire

import (
	"bytes"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/marksamman/bencode"
	"github.com/pkg/errors"
)

// ExtendedHandshakeID is the extended sub-id of the BEP 10 handshake.
const ExtendedHandshakeID = 0

type ExtendedHandshake struct {
	// M maps extension names to the sender's sub-ids.
	M       map[string]int
	Version string
	Port    int
	ReqQ    int
}

func (e *ExtendedHandshake) Encode() []byte {
	m := make(map[string]interface{}, len(e.M))
	for name, id := range e.M {
		m[name] = int64(id)
	}
	dict := map[string]interface{}{"m": m}
	if e.Version != "" {
		dict["v"] = e.Version
	}
	if e.Port > 0 {
		dict["p"] = int64(e.Port)
	}
	if e.ReqQ > 0 {
		dict["reqq"] = int64(e.ReqQ)
	}
	return bencode.Encode(dict)
}

// DecodeExtendedHandshake reads a bencoded extended handshake. Unknown keys
// are ignored.
func DecodeExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	v, err := jackpal.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	dict, ok := v.(map[string]interface{})
	if !ok {
		return nil, malformedf("extended handshake is not a dictionary")
	}
	e := &ExtendedHandshake{M: make(map[string]int)}
	if m, ok := dict["m"].(map[string]interface{}); ok {
		for name, v := range m {
			if id, ok := v.(int64); ok {
				e.M[name] = int(id)
			}
		}
	}
	if v, ok := dict["v"].(string); ok {
		e.Version = v
	}
	if p, ok := dict["p"].(int64); ok {
		e.Port = int(p)
	}
	if q, ok := dict["reqq"].(int64); ok {
		e.ReqQ = int(q)
	}
	return e, nil
}
