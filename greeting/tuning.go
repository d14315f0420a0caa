package greeting

import "fmt"

// Ready is the TLS tuning-reset request piggyback: <ready/>.
type Ready struct{}

// Proceed is the TLS tuning-reset reply piggyback: <proceed/>.
type Proceed struct{}

// BlobStatus is the status attribute of a SASL <blob>.
type BlobStatus string

const (
	BlobContinue BlobStatus = "continue"
	BlobComplete BlobStatus = "complete"
	BlobAbort    BlobStatus = "abort"
)

// Blob is a SASL exchange element: <blob status=…>base64…</blob>.
type Blob struct {
	Status BlobStatus
	Data   string // base64-encoded, empty for a bare completion blob
}

// EmitReady renders <ready/>.
func EmitReady() []byte { return []byte("<ready />\r\n") }

// EmitProceed renders <proceed/>.
func EmitProceed() []byte { return []byte("<proceed />\r\n") }

// EmitBlob renders a SASL <blob>.
func EmitBlob(b Blob) []byte {
	if b.Data == "" {
		return []byte(fmt.Sprintf("<blob status=\"%s\" />\r\n", b.Status))
	}
	return []byte(fmt.Sprintf("<blob status=\"%s\">%s</blob>\r\n", b.Status, b.Data))
}

// ParseBlob parses a SASL <blob> element.
func ParseBlob(data []byte) (*Blob, error) {
	n, _, err := parseNode(string(data))
	if err != nil {
		return nil, err
	}
	if n.name != "blob" {
		return nil, fmt.Errorf("greeting: expected <blob>, got <%s>", n.name)
	}
	return &Blob{Status: BlobStatus(n.attrs["status"]), Data: n.text}, nil
}

// ParseReady parses a <ready/> element.
func ParseReady(data []byte) (*Ready, error) {
	n, _, err := parseNode(string(data))
	if err != nil {
		return nil, err
	}
	if n.name != "ready" {
		return nil, fmt.Errorf("greeting: expected <ready/>, got <%s>", n.name)
	}
	return &Ready{}, nil
}

// ParseProceed parses a <proceed/> element.
func ParseProceed(data []byte) (*Proceed, error) {
	n, _, err := parseNode(string(data))
	if err != nil {
		return nil, err
	}
	if n.name != "proceed" {
		return nil, fmt.Errorf("greeting: expected <proceed/>, got <%s>", n.name)
	}
	return &Proceed{}, nil
}
