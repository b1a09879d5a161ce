//go:build linux

package ble

// commandWriter is the write surface tinygo's BlueZ backend offers; it has
// no acknowledged write.
type commandWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// writeAcknowledged sends data as a write command on linux. acked is false
// because BlueZ is never asked for a response.
func writeAcknowledged(ch commandWriter, data []byte) (acked bool, err error) {
	_, err = ch.WriteWithoutResponse(data)
	return false, err
}
