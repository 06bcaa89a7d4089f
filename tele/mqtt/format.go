package mqtt

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
)

// PacketString is packet.String with PUBLISH payload as hex.
func PacketString(p packet.Generic) string {
	switch pt := p.(type) {
	case nil:
		return "(nil)"
	case *packet.Publish:
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pt.ID, pt.Dup, MessageString(&pt.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("topic=%s qos=%d retain=%t payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}

func addrString(a net.Addr) string {
	if a == nil {
		return "-"
	}
	return a.String()
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

// conn.Close was used to interrupt blocking Send/Receive
func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

// [MQTT-3.1.2-24] control packets must arrive at most keepalive*1.5 apart
func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}
