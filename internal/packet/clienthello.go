package packet

import (
	"encoding/binary"
	"fmt"
)

// ClientHelloInfo is the subset of a TLS 1.3 ClientHello the binding needs
// for listener dispatch before handing the message to TLS proper (spec
// section 6 "Client Hello parsing"): SNI (extension 0, name-type 0) and the
// ALPN protocol list (extension 16).
type ClientHelloInfo struct {
	ServerName string
	ALPN       []string
}

const (
	extServerName          = 0
	extALPN                = 16
	serverNameTypeHostName = 0
)

// ParseClientHelloInfo extracts SNI/ALPN from a (plaintext, reassembled)
// ClientHello handshake message, without validating or otherwise
// interpreting the rest of the message. msg starts at the handshake message
// type byte (0x01 ClientHello).
func ParseClientHelloInfo(msg []byte) (ClientHelloInfo, error) {
	var info ClientHelloInfo
	if len(msg) < 4 || msg[0] != 0x01 {
		return info, fmt.Errorf("packet: not a ClientHello")
	}
	body := msg[4:] // skip handshake type(1) + length(3)

	if len(body) < 2+32 {
		return info, fmt.Errorf("packet: ClientHello truncated before random")
	}
	off := 2 + 32 // legacy_version(2) + random(32)

	if off >= len(body) {
		return info, fmt.Errorf("packet: ClientHello truncated before session id")
	}
	sessionIDLen := int(body[off])
	off++
	off += sessionIDLen
	if off > len(body) {
		return info, fmt.Errorf("packet: ClientHello session id truncated")
	}

	if off+2 > len(body) {
		return info, fmt.Errorf("packet: ClientHello truncated before cipher suites")
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2 + cipherSuitesLen
	if off > len(body) {
		return info, fmt.Errorf("packet: ClientHello cipher suites truncated")
	}

	if off+1 > len(body) {
		return info, fmt.Errorf("packet: ClientHello truncated before compression methods")
	}
	compressionLen := int(body[off])
	off++
	off += compressionLen
	if off > len(body) {
		return info, fmt.Errorf("packet: ClientHello compression methods truncated")
	}

	if off+2 > len(body) {
		// No extensions block at all; nothing more to extract.
		return info, nil
	}
	extsLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+extsLen > len(body) {
		return info, fmt.Errorf("packet: ClientHello extensions truncated")
	}
	exts := body[off : off+extsLen]

	for len(exts) >= 4 {
		extType := binary.BigEndian.Uint16(exts[0:2])
		extLen := int(binary.BigEndian.Uint16(exts[2:4]))
		if 4+extLen > len(exts) {
			return info, fmt.Errorf("packet: ClientHello extension %d truncated", extType)
		}
		extData := exts[4 : 4+extLen]

		switch extType {
		case extServerName:
			if name, ok := parseServerNameExtension(extData); ok {
				info.ServerName = name
			}
		case extALPN:
			info.ALPN = parseALPNExtension(extData)
		}
		exts = exts[4+extLen:]
	}
	return info, nil
}

// parseServerNameExtension decodes RFC 6066's server_name_list, returning
// the first host_name entry.
func parseServerNameExtension(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if listLen > len(data) {
		return "", false
	}
	data = data[:listLen]
	for len(data) >= 3 {
		nameType := data[0]
		nameLen := int(binary.BigEndian.Uint16(data[1:3]))
		if 3+nameLen > len(data) {
			return "", false
		}
		name := data[3 : 3+nameLen]
		if nameType == serverNameTypeHostName {
			return string(name), true
		}
		data = data[3+nameLen:]
	}
	return "", false
}

// parseALPNExtension decodes RFC 7301's ProtocolNameList.
func parseALPNExtension(data []byte) []string {
	if len(data) < 2 {
		return nil
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if listLen > len(data) {
		return nil
	}
	data = data[:listLen]
	var protos []string
	for len(data) >= 1 {
		n := int(data[0])
		if 1+n > len(data) {
			break
		}
		protos = append(protos, string(data[1:1+n]))
		data = data[1+n:]
	}
	return protos
}
