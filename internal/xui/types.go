package xui

import (
	"encoding/json"
	"fmt"
)

// Security is the closed set of transport security modes an inbound can use.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

// PanelClient is one access credential issued under an inbound.
type PanelClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Flow       string `json:"flow,omitempty"`
	TotalBytes int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
}

// RealitySettings carries the reality handshake parameters needed for a
// share URL. Present only when Security is SecurityReality.
type RealitySettings struct {
	PublicKey   string
	Fingerprint string
	SpiderX     string
	ServerNames []string
	ShortIDs    []string
}

// StreamSettings is the decoded transport configuration of an inbound.
type StreamSettings struct {
	Network  string
	Security Security
	Reality  *RealitySettings
}

// Inbound is a configured listener on the panel, with its settings decoded
// once at the gateway boundary.
type Inbound struct {
	ID       int
	Remark   string
	Port     int
	Protocol string
	Enable   bool
	Listen   string

	Decryption string
	Clients    []PanelClient
	Stream     StreamSettings

	// Raw JSON blobs, kept for cloning the inbound as a template.
	RawSettings       string
	RawStreamSettings string
	RawSniffing       string
	RawAllocate       string
}

// ClientTraffic is one row of the panel's traffic table.
type ClientTraffic struct {
	Email   string `json:"email"`
	Up      int64  `json:"up"`
	Down    int64  `json:"down"`
	AllTime int64  `json:"allTime"`
}

// inboundDTO mirrors the panel's wire format, where settings and
// streamSettings are JSON documents embedded as strings.
type inboundDTO struct {
	ID             int    `json:"id"`
	Remark         string `json:"remark"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Enable         bool   `json:"enable"`
	Listen         string `json:"listen"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Sniffing       string `json:"sniffing"`
	Allocate       string `json:"allocate"`
}

type settingsDoc struct {
	Clients    []PanelClient `json:"clients"`
	Decryption string        `json:"decryption"`
}

type streamDoc struct {
	Network         string          `json:"network"`
	Security        string          `json:"security"`
	RealitySettings json.RawMessage `json:"realitySettings"`
}

type realityDoc struct {
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
	Settings    struct {
		PublicKey   string `json:"publicKey"`
		Fingerprint string `json:"fingerprint"`
		SpiderX     string `json:"spiderX"`
	} `json:"settings"`
}

// decodeInbound parses the panel DTO into the typed Inbound. Malformed
// embedded documents fail the whole decode, the core never sees a
// half-parsed inbound.
func decodeInbound(dto inboundDTO) (Inbound, error) {
	inbound := Inbound{
		ID:                dto.ID,
		Remark:            dto.Remark,
		Port:              dto.Port,
		Protocol:          dto.Protocol,
		Enable:            dto.Enable,
		Listen:            dto.Listen,
		RawSettings:       dto.Settings,
		RawStreamSettings: dto.StreamSettings,
		RawSniffing:       dto.Sniffing,
		RawAllocate:       dto.Allocate,
	}

	if dto.Settings != "" {
		var settings settingsDoc
		if err := json.Unmarshal([]byte(dto.Settings), &settings); err != nil {
			return inbound, fmt.Errorf("decode inbound %d settings: %w", dto.ID, err)
		}
		inbound.Clients = settings.Clients
		inbound.Decryption = settings.Decryption
	}

	inbound.Stream.Security = SecurityNone
	if dto.StreamSettings != "" {
		var stream streamDoc
		if err := json.Unmarshal([]byte(dto.StreamSettings), &stream); err != nil {
			return inbound, fmt.Errorf("decode inbound %d stream settings: %w", dto.ID, err)
		}
		inbound.Stream.Network = stream.Network
		switch stream.Security {
		case string(SecurityTLS):
			inbound.Stream.Security = SecurityTLS
		case string(SecurityReality):
			inbound.Stream.Security = SecurityReality
			if len(stream.RealitySettings) > 0 {
				var reality realityDoc
				if err := json.Unmarshal(stream.RealitySettings, &reality); err != nil {
					return inbound, fmt.Errorf("decode inbound %d reality settings: %w", dto.ID, err)
				}
				inbound.Stream.Reality = &RealitySettings{
					PublicKey:   reality.Settings.PublicKey,
					Fingerprint: reality.Settings.Fingerprint,
					SpiderX:     reality.Settings.SpiderX,
					ServerNames: reality.ServerNames,
					ShortIDs:    reality.ShortIDs,
				}
			}
		}
	}

	return inbound, nil
}

// FindClient returns the inbound's client with the given email, if any.
func (i *Inbound) FindClient(email string) *PanelClient {
	for idx := range i.Clients {
		if i.Clients[idx].Email == email {
			return &i.Clients[idx]
		}
	}
	return nil
}
