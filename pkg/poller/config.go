package poller

import (
	"github.com/levenlabs/go-lflag"
)

// Configured returns a Local and Cloud poller configured via lflag. Call
// lflag.Configure before using them.
func Configured(gw GatewayClient, api CloudClient) (*Local, *Cloud) {
	localInterval := lflag.Duration("local-poll-interval", DefaultLocalInterval, "How often to poll the gateway for Modbus status")
	cloudInterval := lflag.Duration("cloud-poll-interval", DefaultCloudInterval, "How often to poll the cloud for telemetry")

	l := &Local{gw: gw}
	c := &Cloud{api: api}
	lflag.Do(func() {
		l.interval = *localInterval
		if l.interval <= 0 {
			l.interval = DefaultLocalInterval
		}
		c.interval = *cloudInterval
		if c.interval <= 0 {
			c.interval = DefaultCloudInterval
		}
	})
	return l, c
}
