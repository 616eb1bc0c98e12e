package relay

// Transport selects which push-address format and container the encoder uses.
type Transport string

const (
	TransportRTMP Transport = "rtmp"
	TransportSRT  Transport = "srt"
)

// Valid reports whether t names a supported transport.
func (t Transport) Valid() bool {
	return t == TransportRTMP || t == TransportSRT
}

// Descriptor holds the configured pull arguments and push credential needed to
// start a relay session for one room. A descriptor may exist with an empty
// credential; it is configured but not launchable.
type Descriptor struct {
	RoomID     int64     `json:"roomId"`
	Args       []string  `json:"args"`
	Credential string    `json:"credential"`
	Transport  Transport `json:"transport"`
}

// DescriptorStore persists per-room relay configuration. Set operations create
// the descriptor when absent, with an empty argument list, empty credential,
// and RTMP transport as defaults. Implementations must serialise writes per
// room; cross-room access never conflicts.
type DescriptorStore interface {
	SetCredential(roomID int64, credential string) (Descriptor, error)
	SetTransport(roomID int64, transport Transport) (Descriptor, error)
	SetArguments(roomID int64, args []string) (Descriptor, error)
	// ClearArguments empties the argument list, leaving the credential
	// untouched. It reports false when no descriptor exists, in which case
	// nothing is created.
	ClearArguments(roomID int64) (Descriptor, bool, error)
	Get(roomID int64) (Descriptor, bool)
}
