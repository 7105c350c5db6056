// Package serial talks to the FCI-7011 controller over its serial line
// protocol and implements device.Interface on top of it.
//
// Frames are short ASCII commands followed by a big-endian CRC-16 and a
// carriage return. The controller answers with the echoed command token, a
// '|', the payload, the CRC of everything before it, and "\r\n".
package serial

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	goserial "github.com/tarm/serial"
)

// BuildCommand frames a command token (plus optional argument) with its
// CRC-16 and the terminating carriage return.
func BuildCommand(command string) []byte {
	cmd := []byte(command)
	cmd = append(cmd, crc16(cmd)...)
	return append(cmd, '\r')
}

func crc16(data []byte) []byte {
	cs := uint16(0)
	for _, b := range data {
		cs ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			carry := cs & 0x8000
			if carry != 0 {
				cs ^= 0x8810
			}
			cs = (cs << 1) + (carry >> 15)
		}
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, cs)
	return buf
}

func sendCommand(sp *goserial.Port, cmd []byte, timeout time.Duration) ([]byte, error) {
	if _, err := sp.Write(cmd); err != nil {
		return nil, err
	}
	time.Sleep(timeout / 2)
	return readUntil(sp, timeout)
}

func readUntil(sp *goserial.Port, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := sp.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if strings.Contains(string(buf), "\n") {
				return buf, nil
			}
		}
		if err != nil {
			return buf, err
		}
		time.Sleep(10 * time.Millisecond)
	}
	hexParts := make([]string, 0, len(buf))
	for _, b := range buf {
		hexParts = append(hexParts, fmt.Sprintf("%02X", b))
	}
	return buf, fmt.Errorf("read timeout; got %d bytes; raw_hex=%s",
		len(buf), strings.Join(hexParts, " "))
}

// checkData validates a response frame against the command token it answers
// and returns the payload between the '|' and the CRC.
func checkData(input []byte, command string) (string, error) {
	s := string(input)
	prefix := command + "|"
	if len(s) < len(prefix)+4 {
		return "", fmt.Errorf("short response")
	}
	if !strings.HasPrefix(s, prefix) {
		return "", fmt.Errorf("wrong command echo")
	}
	end := strings.Index(s, "\r\n")
	if end == -1 {
		end = strings.Index(s, "\n")
	}
	if end < len(prefix)+2 {
		return "", fmt.Errorf("wrong format")
	}
	receivedCRC := input[end-2 : end]
	calculatedCRC := crc16(input[:end-2])
	if receivedCRC[0] != calculatedCRC[0] || receivedCRC[1] != calculatedCRC[1] {
		return "", fmt.Errorf("wrong checksum")
	}
	return s[len(prefix) : end-2], nil
}

// getData sends a framed command and returns the validated payload.
func getData(sp *goserial.Port, command string, timeout time.Duration) (string, error) {
	data, err := sendCommand(sp, BuildCommand(command), timeout)
	if err != nil {
		return "", err
	}
	token := command
	if i := strings.IndexByte(command, ' '); i != -1 {
		token = command[:i]
	}
	return checkData(data, token)
}
