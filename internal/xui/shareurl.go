package xui

import (
	"fmt"
	"net/url"
	"strings"
)

// ShareURL builds the vless connection string for a client under an inbound.
// Parameter order matters for some importing apps: type, encryption,
// security, then the reality block (pbk, fp, sni, sid, spx), then flow.
func (c *Client) ShareURL(inbound *Inbound, client *PanelClient) string {
	return BuildShareURL(c.domain, inbound, client)
}

// BuildShareURL is the pure form of ShareURL, parameterized by domain.
func BuildShareURL(domain string, inbound *Inbound, client *PanelClient) string {
	var query strings.Builder
	addParam := func(key, value string) {
		if value == "" {
			return
		}
		if query.Len() > 0 {
			query.WriteByte('&')
		}
		query.WriteString(key)
		query.WriteByte('=')
		query.WriteString(url.QueryEscape(value))
	}

	addParam("type", inbound.Stream.Network)
	addParam("encryption", inbound.Decryption)
	addParam("security", string(inbound.Stream.Security))

	if inbound.Stream.Security == SecurityReality && inbound.Stream.Reality != nil {
		reality := inbound.Stream.Reality
		addParam("pbk", reality.PublicKey)
		addParam("fp", reality.Fingerprint)
		if len(reality.ServerNames) > 0 {
			addParam("sni", reality.ServerNames[0])
		}
		if len(reality.ShortIDs) > 0 {
			addParam("sid", reality.ShortIDs[0])
		}
		addParam("spx", reality.SpiderX)
	}

	addParam("flow", client.Flow)

	fragment := url.QueryEscape(fmt.Sprintf("%s-%s", inbound.Remark, client.Email))
	return fmt.Sprintf("vless://%s@%s:%d?%s#%s", client.ID, domain, inbound.Port, query.String(), fragment)
}

// SubscriptionURL builds the panel's subscription link for a client.
func (c *Client) SubscriptionURL(email string) string {
	return fmt.Sprintf("https://%s:%d/%s", c.domain, c.subscriptionPort, email)
}
