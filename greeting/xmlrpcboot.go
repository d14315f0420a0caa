package greeting

import "fmt"

// BootMsg is the XML-RPC channel bootstrap request: <bootmsg resource='…'/>.
// Only the channel-bootstrap shape is modeled here (spec §1 out-of-scope
// keeps the XML-RPC value encoding itself external); this lets a profile
// built on top of the core negotiate a channel the way the original
// vortex_xml_rpc.c boot sequence does, without the core knowing anything
// about RPC payloads.
type BootMsg struct {
	Resource string
}

// BootRpy is the XML-RPC bootstrap reply: <bootrpy status='…'>channel</bootrpy>.
type BootRpy struct {
	Status  string
	Channel uint32
}

// EmitBootMsg renders a <bootmsg>.
func EmitBootMsg(m BootMsg) []byte {
	return []byte(fmt.Sprintf("<bootmsg resource='%s' />\r\n", m.Resource))
}

// EmitBootRpy renders a <bootrpy>.
func EmitBootRpy(r BootRpy) []byte {
	return []byte(fmt.Sprintf("<bootrpy status='%s'>%d</bootrpy>\r\n", r.Status, r.Channel))
}

// ParseBootMsg parses a <bootmsg> element.
func ParseBootMsg(data []byte) (*BootMsg, error) {
	n, _, err := parseNode(normalizeQuotes(string(data)))
	if err != nil {
		return nil, err
	}
	if n.name != "bootmsg" {
		return nil, fmt.Errorf("greeting: expected <bootmsg>, got <%s>", n.name)
	}
	return &BootMsg{Resource: n.attrs["resource"]}, nil
}

// ParseBootRpy parses a <bootrpy> element.
func ParseBootRpy(data []byte) (*BootRpy, error) {
	n, _, err := parseNode(normalizeQuotes(string(data)))
	if err != nil {
		return nil, err
	}
	if n.name != "bootrpy" {
		return nil, fmt.Errorf("greeting: expected <bootrpy>, got <%s>", n.name)
	}
	var ch uint32
	fmt.Sscanf(n.text, "%d", &ch)
	return &BootRpy{Status: n.attrs["status"], Channel: ch}, nil
}

// normalizeQuotes is a no-op placeholder: parseNode already accepts both
// single and double quoted attribute values.
func normalizeQuotes(s string) string { return s }
