package webrtc

import "github.com/pion/webrtc/v3"

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

const (
	dataChannelLabel    = "data"
	dataChannelProtocol = "file-transfer"
)

func STUNConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: servers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

// DataChannelConfig is ordered and fully reliable, which the stop-and-wait
// transfer relies on.
func DataChannelConfig() *webrtc.DataChannelInit {
	protocolName := dataChannelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
