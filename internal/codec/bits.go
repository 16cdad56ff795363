package codec

import "github.com/coachrun/rvc-core/internal/config"

// toWord assembles up to 8 payload bytes into a 64-bit word so a field's
// bit offset/length can be extracted with simple shifts, honoring the
// field table's declared endianness.
func toWord(payload []byte, endian config.Endianness) uint64 {
	var buf [8]byte
	copy(buf[:], payload)

	var word uint64
	if endian == config.BigEndian {
		for _, b := range buf {
			word = word<<8 | uint64(b)
		}
		return word
	}
	for i := 7; i >= 0; i-- {
		word = word<<8 | uint64(buf[i])
	}
	return word
}

// extractRaw pulls lengthBits starting at offsetBits out of payload.
func extractRaw(payload []byte, offsetBits, lengthBits int, endian config.Endianness) uint64 {
	if lengthBits <= 0 {
		return 0
	}
	word := toWord(payload, endian)
	mask := bitMask(lengthBits)

	if endian == config.BigEndian {
		shift := 64 - offsetBits - lengthBits
		if shift < 0 {
			shift = 0
		}
		return (word >> uint(shift)) & mask
	}
	return (word >> uint(offsetBits)) & mask
}

// packRaw writes raw (already masked to lengthBits) into payload at
// offsetBits, OR-ing into whatever bits are already present.
func packRaw(payload []byte, offsetBits, lengthBits int, endian config.Endianness, raw uint64) {
	if lengthBits <= 0 {
		return
	}
	mask := bitMask(lengthBits)
	raw &= mask

	word := toWord(payload, endian)
	if endian == config.BigEndian {
		shift := 64 - offsetBits - lengthBits
		if shift < 0 {
			shift = 0
		}
		word = (word &^ (mask << uint(shift))) | (raw << uint(shift))
		writeWordBE(payload, word)
		return
	}
	word = (word &^ (mask << uint(offsetBits))) | (raw << uint(offsetBits))
	writeWordLE(payload, word)
}

func bitMask(lengthBits int) uint64 {
	if lengthBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(lengthBits)) - 1
}

func writeWordLE(payload []byte, word uint64) {
	for i := 0; i < len(payload) && i < 8; i++ {
		payload[i] = byte(word >> uint(8*i))
	}
}

func writeWordBE(payload []byte, word uint64) {
	n := len(payload)
	if n > 8 {
		n = 8
	}
	for i := 0; i < n; i++ {
		shift := 64 - 8*(i+1)
		payload[i] = byte(word >> uint(shift))
	}
}
