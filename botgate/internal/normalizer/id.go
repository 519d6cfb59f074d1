package normalizer

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/telhawk-systems/botgate/botgate/internal/models"
	"github.com/telhawk-systems/botgate/botgate/internal/protocol"
)

// gatewayID derives the dedupe id of a gateway frame. Frames without an
// event id or sequence number get no id and are never deduplicated.
func gatewayID(f protocol.Frame, sessionID string) string {
	if f.ID != "" {
		return "gw:" + f.ID
	}
	if f.HasSeq {
		return "gw:" + sessionID + ":" + strconv.FormatInt(f.Seq, 10)
	}
	return ""
}

// webhookID hashes the signed parts of a callback. Fields are length
// prefixed so no two distinct triples share an encoding.
func webhookID(raw models.RawPayload) string {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, part := range [][]byte{[]byte(raw.Timestamp), []byte(raw.Nonce), raw.Body} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return "wh:" + hex.EncodeToString(h.Sum(nil))
}
