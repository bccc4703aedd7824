// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"
)

// Priority is the priority of the notification.
// Allowable values are defined by APNs and are listed below.
type Priority int

const (
	// PriorityLow instructs APNs to send the push message at a time
	// that takes into account power considerations for the device.
	// Notifications with this priority might be grouped and delivered
	// in bursts. They are throttled, and in some cases are not delivered.
	PriorityLow Priority = 5

	// PriorityHigh instructs APNs to send the push message immediately.
	// Notifications with this priority must trigger an alert, sound,
	// or badge on the target device.
	PriorityHigh = 10
)

// PushType reflects the apns-push-type header values defined by APNs.
type PushType string

const (
	PushTypeAlert        PushType = "alert"
	PushTypeBackground   PushType = "background"
	PushTypeLocation     PushType = "location"
	PushTypeVoIP         PushType = "voip"
	PushTypeComplication PushType = "complication"
	PushTypeFileProvider PushType = "fileprovider"
	PushTypeMDM          PushType = "mdm"
	PushTypeLiveActivity PushType = "liveactivity"
	PushTypePushToTalk   PushType = "pushtotalk"
)

// Notification holds the data that is to be pushed to the recipient
// as well as any routing information required to deliver it.
// A notification carries no recipient of its own: Send, ManageChannels
// and Broadcast supply the device tokens or the bundle identifier, so
// the same notification can be delivered to many recipients.
type Notification struct {
	// ApnsID is a canonical UUID that identifies the notification.
	// If omitted, a new ApnsID is created by APNs and returned in the
	// response.
	ApnsID string

	// CollapseID allows grouping of multiple notifications. Multiple
	// notifications with the same collapse identifier are displayed to
	// the user as a single notification.
	// The value of this field must not exceed 64 bytes.
	CollapseID string

	// ChannelID identifies the broadcast channel this notification is
	// posted to, or the channel a management request operates on.
	ChannelID string

	// RequestID correlates a channel management request with its
	// response.
	RequestID string

	// Topic of the remote notification, which is typically the bundle ID
	// for your app. If you are using a provider token instead of a
	// certificate, you must specify a value for this header.
	Topic string

	// PushType conveys the apns-push-type header. Required by APNs on
	// all platforms since iOS 13.
	PushType PushType

	// Priority of the notification. Specify either PriorityHigh (10)
	// or PriorityLow (5). If you don't set this, the APNs server will
	// set the priority to 10.
	Priority Priority

	// Expiration identifies the date when the notification is no longer
	// valid and can be discarded. If this value is nonzero, APNs stores
	// the notification and tries to deliver it at least once. If the
	// value is 0, APNs treats the notification as if it expires
	// immediately and does not store or redeliver it.
	Expiration time.Time

	// Payload is the notification data that is passed to the recipient.
	// Payload can be a *Payload, any type that can be marshalled into a
	// valid JSON dictionary, a string representation of such dictionary
	// or a slice of bytes of JSON encoding of such dictionary.
	Payload interface{}

	compiled atomic.Value // []byte
}

// Headers builds the APNs routing headers for this notification.
// Only headers that carry a value are present in the map.
func (n *Notification) Headers() map[string]string {
	hdrs := make(map[string]string, 4)
	if n.ApnsID != "" {
		hdrs["apns-id"] = n.ApnsID
	}
	if n.CollapseID != "" {
		hdrs["apns-collapse-id"] = n.CollapseID
	}
	if n.ChannelID != "" {
		hdrs["apns-channel-id"] = n.ChannelID
	}
	if n.RequestID != "" {
		hdrs["apns-request-id"] = n.RequestID
	}
	if n.Topic != "" {
		hdrs["apns-topic"] = n.Topic
	}
	if n.PushType != "" {
		hdrs["apns-push-type"] = string(n.PushType)
	}
	if n.Priority > 0 {
		hdrs["apns-priority"] = strconv.Itoa(int(n.Priority))
	}
	if !n.Expiration.IsZero() {
		hdrs["apns-expiration"] = strconv.FormatInt(n.Expiration.Unix(), 10)
	}
	return hdrs
}

// Compile renders the payload as JSON. The result is cached, so a
// notification shared across a large batch is marshalled once.
// A nil payload compiles to the empty object, which is elided from the
// wire entirely.
func (n *Notification) Compile() ([]byte, error) {
	if v := n.compiled.Load(); v != nil {
		if b := v.([]byte); b != nil {
			return b, nil
		}
	}
	var buf []byte
	switch pl := n.Payload.(type) {
	case nil:
		buf = []byte("{}")
	case []byte:
		buf = pl
	case string:
		buf = []byte(pl)
	default:
		var err error
		buf, err = json.Marshal(pl)
		if err != nil {
			return nil, err
		}
	}
	n.compiled.Store(buf)
	return buf, nil
}

// AddPushTypeToPayloadIfNeeded moves the push type into the payload the
// way channel creation expects it. It has no effect on raw pre-encoded
// payloads.
func (n *Notification) AddPushTypeToPayloadIfNeeded() {
	pt := n.PushType
	if pt == "" {
		pt = PushTypeAlert
	}
	switch pl := n.Payload.(type) {
	case nil:
		n.Payload = &Payload{PushType: string(pt)}
	case *Payload:
		pl.setPushType(string(pt))
	case map[string]interface{}:
		if _, ok := pl["push-type"]; !ok {
			pl["push-type"] = string(pt)
		}
	default:
		return
	}
	n.invalidate()
}

// invalidate drops the cached wire form after a mutation.
func (n *Notification) invalidate() {
	n.compiled.Store([]byte(nil))
}

// RemoveNonChannelRelatedProperties strips the routing that only makes
// sense for device-addressed delivery, leaving the channel and request
// identifiers in place.
func (n *Notification) RemoveNonChannelRelatedProperties() {
	n.ApnsID = ""
	n.CollapseID = ""
	n.Topic = ""
	n.PushType = ""
	n.Priority = 0
	n.Expiration = time.Time{}
}
