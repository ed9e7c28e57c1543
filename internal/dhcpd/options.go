package dhcpd

// OpCode is the BOOTP message op field.
type OpCode byte

const (
	BootRequest OpCode = 1
	BootReply   OpCode = 2
)

// MessageType is DHCP option 53.
type MessageType byte

const (
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
	MessageTypeRelease  MessageType = 7
	MessageTypeInform   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeDiscover:
		return "DISCOVER"
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeDecline:
		return "DECLINE"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeNak:
		return "NAK"
	case MessageTypeRelease:
		return "RELEASE"
	case MessageTypeInform:
		return "INFORM"
	}
	return "UNKNOWN"
}

// OptionCode is a DHCP option tag as assigned by IANA. The codec treats the
// well-known codes below specially when building replies; anything else is
// carried as a raw (code, value) pair.
type OptionCode byte

const (
	OptionPad                  OptionCode = 0
	OptionSubnetMask           OptionCode = 1
	OptionRouter               OptionCode = 3
	OptionDomainNameServer     OptionCode = 6
	OptionHostName             OptionCode = 12
	OptionDomainName           OptionCode = 15
	OptionBroadcastAddress     OptionCode = 28
	OptionNTPServers           OptionCode = 42
	OptionRequestedIPAddress   OptionCode = 50
	OptionIPAddressLeaseTime   OptionCode = 51
	OptionDHCPMessageType      OptionCode = 53
	OptionServerIdentifier     OptionCode = 54
	OptionParameterRequestList OptionCode = 55
	OptionMaximumMessageSize   OptionCode = 57
	OptionRenewalTime          OptionCode = 58
	OptionRebindingTime        OptionCode = 59
	OptionVendorClassID        OptionCode = 60
	OptionClientIdentifier     OptionCode = 61
	OptionTFTPServerName       OptionCode = 66
	OptionBootFileName         OptionCode = 67
	OptionEnd                  OptionCode = 255
)

// Options maps an option code to its raw value. Keys are unique within a
// message; order on the wire is not preserved.
type Options map[OptionCode][]byte

// Get returns the raw value for code, or nil when absent.
func (o Options) Get(code OptionCode) []byte {
	if o == nil {
		return nil
	}
	return o[code]
}

// Has reports whether code is present.
func (o Options) Has(code OptionCode) bool {
	_, ok := o[code]
	return ok
}
