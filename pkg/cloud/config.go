package cloud

import (
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/sigenbridge/sigenbridge/pkg/common"
	"github.com/sigenbridge/sigenbridge/pkg/types"
)

// Configured sets up the cloud Client from flags. Credentials are optional;
// when omitted the Client reports CredentialsAbsent and cloud polling is
// skipped.
func Configured() *Client {
	region := lflag.String("cloud-region", DefaultRegion, "Cloud region for the api-<region>.sigencloud.com base URL")
	username := lflag.String("cloud-username", "", "Cloud account username (leave empty to run local-only)")
	password := lflag.String("cloud-password", "", "Cloud account password")

	c := &Client{
		client: common.HTTPClient(requestTimeout),
		state:  types.CredentialsAbsent,
		now:    time.Now,
	}
	lflag.Do(func() {
		r := *region
		if r == "" {
			r = DefaultRegion
		}
		c.region = r
		c.baseURL = "https://api-" + r + ".sigencloud.com"
		c.username = *username
		c.password = *password
		if c.username != "" && c.password != "" {
			c.state = types.CredentialsPresent
		}
	})
	return c
}
