package storage

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Key schema for the fill journal:
//
//	t:<2-byte symbol len><symbol><8-byte unix nanos><8-byte seq> → Trade (JSON)
//
// The length prefix keeps one symbol's range from containing another symbol
// that merely starts with it ("XLM/USDC" vs "XLM/USDC:PERP"). Big-endian
// timestamps keep a symbol's trades in time order under a prefix scan.
const prefixTrade = "t:"

var errSymbolTooLong = errors.New("symbol too long for trade key")

func tradePrefix(symbol string) []byte {
	key := make([]byte, len(prefixTrade)+2+len(symbol))
	n := copy(key, prefixTrade)
	binary.BigEndian.PutUint16(key[n:], uint16(len(symbol)))
	copy(key[n+2:], symbol)
	return key
}

func tradeKey(symbol string, ts time.Time, seq uint64) []byte {
	prefix := tradePrefix(symbol)
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

func validSymbolKey(symbol string) error {
	if len(symbol) > math.MaxUint16 {
		return errSymbolTooLong
	}
	return nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan, or nil
// when the prefix is all 0xff bytes.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}
