package frame

// SeedSource supplies the per-kind byte folded into every checksum.
type SeedSource interface {
	Seed(kind uint8) uint8
}

// SeedTable is a sparse kind -> seed map. Kinds without an entry use 0.
type SeedTable map[uint8]uint8

func (t SeedTable) Seed(kind uint8) uint8 {
	return t[kind]
}

func seedFor(s SeedSource, kind uint8) uint8 {
	if s == nil {
		return 0
	}
	return s.Seed(kind)
}

const crcInit uint16 = 0xFFFF

// Accumulate folds one byte into an X.25 (CRC-16/MCRF4XX) checksum.
func Accumulate(crc uint16, b byte) uint16 {
	tmp := b ^ byte(crc)
	tmp ^= tmp << 4
	return (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
}

// Checksum covers the header fields after the sync byte and the payload,
// then folds in the kind's seed.
func Checksum(b []byte, seed uint8) uint16 {
	crc := crcInit
	for _, c := range b {
		crc = Accumulate(crc, c)
	}
	return Accumulate(crc, seed)
}
