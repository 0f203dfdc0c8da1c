package packet

import (
	"encoding/binary"
	"testing"
)

// buildClientHello assembles a minimal synthetic ClientHello body carrying
// only the extensions under test; it is not a valid TLS ClientHello beyond
// what ParseClientHelloInfo inspects.
func buildClientHello(t *testing.T, extensions []byte) []byte {
	t.Helper()
	var body []byte
	body = append(body, 0x03, 0x03)       // legacy_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)             // session id len 0
	body = append(body, 0x00, 0x02, 0x13, 0x01) // cipher suites (len 2, one suite)
	body = append(body, 0x01, 0x00)       // compression methods

	var extsLen [2]byte
	binary.BigEndian.PutUint16(extsLen[:], uint16(len(extensions)))
	body = append(body, extsLen[:]...)
	body = append(body, extensions...)

	msg := make([]byte, 4)
	msg[0] = 0x01
	msgLen := len(body)
	msg[1] = byte(msgLen >> 16)
	msg[2] = byte(msgLen >> 8)
	msg[3] = byte(msgLen)
	return append(msg, body...)
}

func sniExtension(name string) []byte {
	var entry []byte
	entry = append(entry, serverNameTypeHostName)
	entry = append(entry, byte(len(name)>>8), byte(len(name)))
	entry = append(entry, name...)

	var list []byte
	list = append(list, byte(len(entry)>>8), byte(len(entry)))
	list = append(list, entry...)

	var ext []byte
	ext = append(ext, 0, extServerName)
	ext = append(ext, byte(len(list)>>8), byte(len(list)))
	ext = append(ext, list...)
	return ext
}

func alpnExtension(protos ...string) []byte {
	var list []byte
	for _, p := range protos {
		list = append(list, byte(len(p)))
		list = append(list, p...)
	}
	var body []byte
	body = append(body, byte(len(list)>>8), byte(len(list)))
	body = append(body, list...)

	var ext []byte
	ext = append(ext, 0, extALPN)
	ext = append(ext, byte(len(body)>>8), byte(len(body)))
	ext = append(ext, body...)
	return ext
}

func TestParseClientHelloInfoExtractsSNIAndALPN(t *testing.T) {
	exts := append(sniExtension("example.com"), alpnExtension("h3", "h3-29")...)
	msg := buildClientHello(t, exts)

	info, err := ParseClientHelloInfo(msg)
	if err != nil {
		t.Fatalf("ParseClientHelloInfo: %v", err)
	}
	if info.ServerName != "example.com" {
		t.Fatalf("ServerName = %q, want example.com", info.ServerName)
	}
	if len(info.ALPN) != 2 || info.ALPN[0] != "h3" || info.ALPN[1] != "h3-29" {
		t.Fatalf("ALPN = %v, want [h3 h3-29]", info.ALPN)
	}
}

func TestParseClientHelloInfoNoExtensions(t *testing.T) {
	msg := buildClientHello(t, nil)
	info, err := ParseClientHelloInfo(msg)
	if err != nil {
		t.Fatalf("ParseClientHelloInfo: %v", err)
	}
	if info.ServerName != "" || info.ALPN != nil {
		t.Fatalf("expected empty info, got %+v", info)
	}
}

func TestParseClientHelloInfoRejectsWrongMessageType(t *testing.T) {
	if _, err := ParseClientHelloInfo([]byte{0x02, 0, 0, 0}); err == nil {
		t.Fatalf("expected error for non-ClientHello message type")
	}
}
