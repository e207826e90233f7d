package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Minimal TwiML response builder: only the verbs the voice document uses.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// VoiceSession describes what to do with an answered outbound call.
type VoiceSession struct {
	CallID     string
	CampaignID string
	ContactID  string

	// StreamURL is the media stream endpoint of the dialogue service.
	// Empty means hang up; the dialogue is not available.
	StreamURL string
}

// RenderVoiceTwiML renders the document Twilio fetches when the callee answers.
func RenderVoiceTwiML(s VoiceSession) (string, error) {
	var r twimlResponse

	if strings.TrimSpace(s.StreamURL) == "" {
		r.Verbs = append(r.Verbs, twimlHangup{})
	} else {
		if s.CallID == "" {
			return "", errors.New("telephony: call_id required for media stream")
		}
		params := []twimlParameter{{Name: "call_id", Value: s.CallID}}
		if s.CampaignID != "" {
			params = append(params, twimlParameter{Name: "campaign_id", Value: s.CampaignID})
		}
		if s.ContactID != "" {
			params = append(params, twimlParameter{Name: "contact_id", Value: s.ContactID})
		}
		r.Verbs = append(r.Verbs, twimlConnect{Stream: twimlStream{URL: s.StreamURL, Parameters: params}})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
