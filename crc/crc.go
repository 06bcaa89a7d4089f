// Package crc implements CRC-8 with polynomial 0x93.
// Same checksum seals controller packets and VCU telemetry frames.
package crc

const CRC_POLY_93 byte = 0x93

func CRC8_p93_next(crc, data byte) byte {
	crc ^= data
	for i := 0; i < 8; i++ {
		if (crc & 0x80) != 0 {
			crc = (crc << 1) ^ CRC_POLY_93
		} else {
			crc <<= 1
		}
	}
	return crc
}

func CRC8_p93_n(crc byte, bs []byte) byte {
	for _, b := range bs {
		crc = CRC8_p93_next(crc, b)
	}
	return crc
}
