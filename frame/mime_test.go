package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMIMEProcessSplitsHeaderAndBody(t *testing.T) {
	f := &Frame{Payload: []byte("Content-Type: application/beep+xml\r\n\r\n<start number='1'/>")}
	MIMEProcess(f)
	require.Equal(t, "Content-Type: application/beep+xml", string(f.Header))
	require.Equal(t, "<start number='1'/>", string(f.Body))
}

func TestMIMEProcessWithoutHeaderSeparator(t *testing.T) {
	f := &Frame{Payload: []byte("<start number='1'/>")}
	MIMEProcess(f)
	require.Nil(t, f.Header)
	require.Equal(t, "<start number='1'/>", string(f.Body))
}

func TestMIMEProcessEmptyPayload(t *testing.T) {
	f := &Frame{Payload: nil}
	MIMEProcess(f)
	require.Nil(t, f.Header)
	require.Equal(t, "", string(f.Body))
}
