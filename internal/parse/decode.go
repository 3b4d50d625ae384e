package parse

import (
	"fmt"
	"log"
)

// Message is the result of decoding one normalized frame. Exactly one of the
// record fields is set for Status, Data and ConfigResponse frames; other
// kinds carry only Kind, Text and DeviceID.
type Message struct {
	Kind     Kind
	Text     string
	DeviceID string

	Status   *Status
	Donation *Donation
	Config   *Configuration
}

// Decode classifies and decodes normalized text. Malformed input is logged
// together with the raw text and reported as nil; Decode never panics.
func Decode(text string) (msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered decoding %q: %v", text, r)
			msg = nil
		}
	}()

	msg, err := decode(text)
	if err != nil {
		log.Printf("Dropping frame %q: %v", text, err)
		return nil
	}
	return msg
}

func decode(text string) (*Message, error) {
	kind := Classify(text)
	msg := &Message{Kind: kind, Text: text, DeviceID: DeviceID(text)}

	var err error
	switch kind {
	case KindStatus:
		msg.Status, err = ParseStatus(text)
	case KindData:
		msg.Donation, err = ParseDonation(text)
	case KindConfigResponse:
		msg.Config, err = ParseConfiguration(text)
	case KindAck, KindNoMoreData, KindSerialChangeResult, KindConfigWriteAck, KindConfigWriteConfirm,
		KindPullRequest, KindSerialChange, KindTimeSync, KindConfigRequest, KindConfigWrite:
	case KindUnknown:
		err = fmt.Errorf("unknown frame kind")
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
