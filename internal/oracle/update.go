// Package oracle validates pull-style price updates before a credit
// ledger call may use them. An update carries a feed id, a signed price
// mantissa with a base-10 exponent, a confidence interval and a publish
// time; each submission owes a per-update fee paid with the same call.
package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/collateral-bridge/internal/model"
)

// UpdateSize is the encoded length of an Update.
const UpdateSize = common.HashLength + 8 + 8 + 4 + 8

// Update is a single signed-off price observation.
type Update struct {
	FeedID      common.Hash `json:"feed_id"`
	Price       int64       `json:"price"`
	Conf        uint64      `json:"conf"`
	Expo        int32       `json:"expo"`
	PublishTime int64       `json:"publish_time"`
}

// Encode packs the update big-endian: feedId | price | conf | expo | publishTime.
func (u Update) Encode() []byte {
	buf := make([]byte, UpdateSize)
	copy(buf[:32], u.FeedID[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(u.Price))
	binary.BigEndian.PutUint64(buf[40:48], u.Conf)
	binary.BigEndian.PutUint32(buf[48:52], uint32(u.Expo))
	binary.BigEndian.PutUint64(buf[52:60], uint64(u.PublishTime))
	return buf
}

// ParseUpdate decodes an encoded update.
func ParseUpdate(raw []byte) (Update, error) {
	if len(raw) != UpdateSize {
		return Update{}, fmt.Errorf("update length %d, want %d: %w", len(raw), UpdateSize, model.ErrMalformedUpdate)
	}
	var u Update
	copy(u.FeedID[:], raw[:32])
	u.Price = int64(binary.BigEndian.Uint64(raw[32:40]))
	u.Conf = binary.BigEndian.Uint64(raw[40:48])
	u.Expo = int32(binary.BigEndian.Uint32(raw[48:52]))
	u.PublishTime = int64(binary.BigEndian.Uint64(raw[52:60]))
	return u, nil
}
