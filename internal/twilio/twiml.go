package twilio

import (
	"encoding/xml"
)

// TwiML parameter names carried into the media stream's start event.
const (
	ParamPrompt       = "prompt"
	ParamFirstMessage = "first_message"
)

type streamParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type stream struct {
	URL    string        `xml:"url,attr"`
	Params []streamParam `xml:"Parameter"`
}

type connect struct {
	Stream stream `xml:"Stream"`
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect connect  `xml:"Connect"`
}

// StreamTwiML renders the TwiML document instructing Twilio to open a
// bidirectional media stream to streamURL, with the prompt and first-message
// overrides attached as named stream parameters. Empty overrides are
// omitted; the agent's defaults apply. Values are XML-escaped by the
// encoder, so caller input cannot break the document.
func StreamTwiML(streamURL, prompt, firstMessage string) (string, error) {
	doc := twimlResponse{Connect: connect{Stream: stream{URL: streamURL}}}
	if prompt != "" {
		doc.Connect.Stream.Params = append(doc.Connect.Stream.Params, streamParam{Name: ParamPrompt, Value: prompt})
	}
	if firstMessage != "" {
		doc.Connect.Stream.Params = append(doc.Connect.Stream.Params, streamParam{Name: ParamFirstMessage, Value: firstMessage})
	}
	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(b), nil
}
