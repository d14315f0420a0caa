package frame

import "bytes"

var headerSep = []byte("\r\n\r\n")

// MIMEProcess splits a frame's payload once into a MIME headers prefix and
// a body, per spec §4.1: if "\r\n\r\n" is absent, Header is empty and Body
// is the whole payload. MIME parsing never fails a connection — at worst
// it leaves Header empty.
func MIMEProcess(f *Frame) {
	if idx := bytes.Index(f.Payload, headerSep); idx >= 0 {
		f.Header = f.Payload[:idx]
		f.Body = f.Payload[idx+len(headerSep):]
		return
	}
	f.Header = nil
	f.Body = f.Payload
}
