// Package strkey encodes ed25519 keys and contract ids in the network's
// base32 check format: version byte, payload, CRC16-XModem (little endian).
package strkey

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
)

type VersionByte byte

const (
	VersionAccountID VersionByte = 6 << 3  // G...
	VersionSeed      VersionByte = 18 << 3 // S...
	VersionContract  VersionByte = 2 << 3  // C...
)

var (
	ErrInvalidVersion  = errors.New("strkey: invalid version byte")
	ErrInvalidChecksum = errors.New("strkey: invalid checksum")
	ErrInvalidLength   = errors.New("strkey: invalid length")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const payloadLen = 32

func Encode(version VersionByte, payload []byte) (string, error) {
	if len(payload) != payloadLen {
		return "", ErrInvalidLength
	}
	raw := make([]byte, 0, 1+payloadLen+2)
	raw = append(raw, byte(version))
	raw = append(raw, payload...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))
	return encoding.EncodeToString(raw), nil
}

func Decode(expected VersionByte, src string) ([]byte, error) {
	raw, err := encoding.DecodeString(src)
	if err != nil {
		return nil, err
	}
	if len(raw) != 1+payloadLen+2 {
		return nil, ErrInvalidLength
	}
	if VersionByte(raw[0]) != expected {
		return nil, ErrInvalidVersion
	}
	body, sum := raw[:len(raw)-2], raw[len(raw)-2:]
	if binary.LittleEndian.Uint16(sum) != crc16(body) {
		return nil, ErrInvalidChecksum
	}
	out := make([]byte, payloadLen)
	copy(out, body[1:])
	return out, nil
}

func IsValid(version VersionByte, src string) bool {
	_, err := Decode(version, src)
	return err == nil
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
