package fitproto

var crcTable = [16]uint16{
	0x0000, 0xCC01, 0xD801, 0x1400,
	0xF001, 0x3C00, 0x2800, 0xE401,
	0xA001, 0x6C00, 0x7800, 0xB401,
	0x5000, 0x9C01, 0x8801, 0x4400,
}

// CRC16 continues a FIT checksum from seed over data, one nibble at a time.
func CRC16(seed uint16, data []byte) uint16 {
	crc := seed
	for _, b := range data {
		crc = (crc >> 4) ^ crcTable[crc&0xF] ^ crcTable[b&0xF]
		crc = (crc >> 4) ^ crcTable[crc&0xF] ^ crcTable[(b>>4)&0xF]
	}
	return crc
}

// Checksum is CRC16 with a zero seed.
func Checksum(data []byte) uint16 {
	return CRC16(0, data)
}
