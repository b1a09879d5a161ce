//go:build !linux

package ble

// requestWriter is the acknowledged write tinygo offers on darwin and
// windows.
type requestWriter interface {
	Write(p []byte) (int, error)
}

// writeAcknowledged sends data as a write request and waits for the
// peripheral's response.
func writeAcknowledged(ch requestWriter, data []byte) (acked bool, err error) {
	_, err = ch.Write(data)
	return true, err
}
