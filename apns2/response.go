// The MIT License (MIT)
//
// Copyright (c) 2016 Adam Jones
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// Modifications copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"net/http"
)

// The possible Reason error codes returned from APN servers.
// From the Handling Notification Responses from APNs table in Apple's
// provider API documentation.
const (
	// 400 The collapse identifier exceeds the maximum allowed size
	ReasonBadCollapseID = "BadCollapseId"

	// 400 The specified device token was bad. Verify that the request contains a
	// valid token and that the token matches the environment.
	ReasonBadDeviceToken = "BadDeviceToken"

	// 400 The apns-expiration value is bad.
	ReasonBadExpirationDate = "BadExpirationDate"

	// 400 The apns-id value is bad.
	ReasonBadMessageID = "BadMessageId"

	// 400 The apns-priority value is bad.
	ReasonBadPriority = "BadPriority"

	// 400 The apns-topic was invalid.
	ReasonBadTopic = "BadTopic"

	// 400 The apns-request-id value is bad.
	ReasonBadRequestID = "BadRequestId"

	// 400 The apns-channel-id value is bad.
	ReasonBadChannelID = "BadChannelId"

	// 400 The device token does not match the specified topic.
	ReasonDeviceTokenNotForTopic = "DeviceTokenNotForTopic"

	// 400 One or more headers were repeated.
	ReasonDuplicateHeaders = "DuplicateHeaders"

	// 400 Idle time out.
	ReasonIdleTimeout = "IdleTimeout"

	// 400 The device token is not specified in the request :path. Verify that the
	// :path header contains the device token.
	ReasonMissingDeviceToken = "MissingDeviceToken"

	// 400 The apns-topic header of the request was not specified and was
	// required. The apns-topic header is mandatory when the client is connected
	// using a certificate that supports multiple topics.
	ReasonMissingTopic = "MissingTopic"

	// 400 The message payload was empty.
	ReasonPayloadEmpty = "PayloadEmpty"

	// 400 Pushing to this topic is not allowed.
	ReasonTopicDisallowed = "TopicDisallowed"

	// 403 The certificate was bad.
	ReasonBadCertificate = "BadCertificate"

	// 403 The client certificate was for the wrong environment.
	ReasonBadCertificateEnvironment = "BadCertificateEnvironment"

	// 403 The provider token is stale and a new token should be generated.
	ReasonExpiredProviderToken = "ExpiredProviderToken"

	// 403 The specified action is not allowed.
	ReasonForbidden = "Forbidden"

	// 403 The provider token is not valid or the token signature could not be
	// verified.
	ReasonInvalidProviderToken = "InvalidProviderToken"

	// 403 No provider certificate was used to connect to APNs and Authorization
	// header was missing or no provider token was specified.
	ReasonMissingProviderToken = "MissingProviderToken"

	// 404 The request contained a bad :path value.
	ReasonBadPath = "BadPath"

	// 404 The channel is not registered for the bundle identifier.
	ReasonChannelNotRegistered = "ChannelNotRegistered"

	// 405 The specified :method was not allowed.
	ReasonMethodNotAllowed = "MethodNotAllowed"

	// 410 The device token is inactive for the specified topic.
	ReasonUnregistered = "Unregistered"

	// 413 The message payload was too large. See Creating the Remote Notification
	// Payload in the Apple Local and Remote Notification Programming Guide for
	// details on maximum payload size.
	ReasonPayloadTooLarge = "PayloadTooLarge"

	// 429 The provider token is being updated too often.
	ReasonTooManyProviderTokenUpdates = "TooManyProviderTokenUpdates"

	// 429 Too many requests were made consecutively to the same device token.
	ReasonTooManyRequests = "TooManyRequests"

	// 500 An internal server error occurred.
	ReasonInternalServerError = "InternalServerError"

	// 503 The service is unavailable.
	ReasonServiceUnavailable = "ServiceUnavailable"

	// 503 The server is shutting down.
	ReasonShutdown = "Shutdown"
)

// Pseudo statuses recorded when a request never produced a complete
// APNs response. They deliberately do not parse as HTTP status codes
// and are therefore never retried.
const (
	statusTimeout = "(timeout)"
	statusAborted = "(aborted)"
	statusError   = "(error)"
)

// Success describes one recipient that APN service accepted. Exactly one
// of Device and BundleID is set, matching the operation that produced it.
type Success struct {

	// Device is the device token the notification was addressed to.
	// Set by Send.
	Device string `json:"device,omitempty"`

	// BundleID is the application bundle identifier the request was
	// scoped to. Set by ManageChannels and Broadcast.
	BundleID string `json:"bundleId,omitempty"`

	// UniqueID is the apns-unique-id response header, when present.
	UniqueID string `json:"apns-unique-id,omitempty"`

	// RequestID is the apns-request-id response header, when present.
	RequestID string `json:"apns-request-id,omitempty"`

	// ChannelID is the apns-channel-id response header, when present.
	// For broadcast requests the channel identifier of the outgoing
	// notification is echoed here when the server does not supply one.
	ChannelID string `json:"apns-channel-id,omitempty"`

	// Body holds the decoded JSON response body. Empty responses decode
	// to an empty map.
	Body map[string]interface{} `json:"body,omitempty"`
}

// Failure describes one recipient that APN service rejected, or that could
// not be reached at all. Exactly one of Device and BundleID is set.
type Failure struct {

	// Device is the device token the notification was addressed to.
	// Set by Send.
	Device string `json:"device,omitempty"`

	// BundleID is the application bundle identifier the request was
	// scoped to. Set by ManageChannels and Broadcast.
	BundleID string `json:"bundleId,omitempty"`

	// Status is the HTTP :status returned by APN service, as a string.
	// When the request ended without a complete response it is one of
	// the "(timeout)", "(aborted)" or "(error)" pseudo statuses.
	// Transport failures that never reached the server leave it empty.
	Status string `json:"status,omitempty"`

	// Response is the decoded JSON rejection body, typically carrying
	// a "reason" key and, for 410 responses, a "timestamp".
	Response map[string]interface{} `json:"response,omitempty"`

	// Err is the error this failure was derived from, if any.
	Err error `json:"error,omitempty"`
}

// Error makes Failure usable as an error. ManageChannels returns a *Failure
// when given an unsupported action.
func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Err.Error()
	}
	return "apns2: request failed with status " + f.Status
}

// Unwrap returns the underlying cause of the failure.
func (f *Failure) Unwrap() error {
	return f.Err
}

// BatchResult partitions the outcome of one batch operation. Every input
// recipient appears in exactly one of the two lists. Order within each
// list is unspecified.
type BatchResult struct {
	Sent   []Success `json:"sent"`
	Failed []Failure `json:"failed"`
}

// failure is the request-level failure record. It carries the server
// supplied retry delay, which is consumed by the retry policy and must
// never reach a BatchResult. Redaction happens by construction: only the
// embedded Failure is handed out.
type failure struct {
	Failure
	retryAfter string
}

func (f *failure) redacted() Failure {
	return f.Failure
}

// outcome is the resolution of a single request. Exactly one field is set.
type outcome struct {
	success *Success
	failure *failure
}

// echoHeaders extracts the APNs correlation headers from a response.
func echoHeaders(h http.Header, s *Success) {
	s.UniqueID = h.Get("apns-unique-id")
	s.RequestID = h.Get("apns-request-id")
	s.ChannelID = h.Get("apns-channel-id")
}
