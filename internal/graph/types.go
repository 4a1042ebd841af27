// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package graph

import "strings"

// EmailAddress is the address/name pair Graph nests under recipients.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Recipient wraps an EmailAddress the way the Graph message schema does.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// MessageHeader is one internet message header (name/value).
type MessageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ItemBody is the message body with its declared content type.
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Message is the projection of a Graph message fetched with the fixed
// $select (see Client.GetMessage). In-Reply-To is NOT a top-level field in
// Graph v1.0 — it only exists inside internetMessageHeaders.
type Message struct {
	ID                     string          `json:"id"`
	Subject                string          `json:"subject"`
	ReceivedDateTime       string          `json:"receivedDateTime"`
	SentDateTime           string          `json:"sentDateTime"`
	From                   *Recipient      `json:"from"`
	ToRecipients           []Recipient     `json:"toRecipients"`
	CcRecipients           []Recipient     `json:"ccRecipients"`
	BccRecipients          []Recipient     `json:"bccRecipients"`
	ReplyTo                []Recipient     `json:"replyTo"`
	Body                   ItemBody        `json:"body"`
	InternetMessageID      string          `json:"internetMessageId"`
	InternetMessageHeaders []MessageHeader `json:"internetMessageHeaders"`
	ConversationID         string          `json:"conversationId"`
	HasAttachments         bool            `json:"hasAttachments"`
}

// Header returns the first internet message header with the given name,
// matched case-insensitively. Empty string when absent.
func (m *Message) Header(name string) string {
	for _, h := range m.InternetMessageHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Attachment is a Graph attachment. ContentBytes is base64 and may be empty
// in the list response; fetch the individual attachment to obtain it.
type Attachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId"`
	ContentBytes string `json:"contentBytes"`
}

// IsFile reports whether this is a fileAttachment (the only kind the worker
// persists; item and reference attachments are skipped).
func (a *Attachment) IsFile() bool {
	return strings.Contains(a.ODataType, "fileAttachment")
}

// DeltaItem is a minimal message entry from the delta query.
type DeltaItem struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// DeltaPage is one page of the /messages/delta response. At most one of
// NextLink/DeltaLink is populated: NextLink mid-pagination, DeltaLink when
// caught up.
type DeltaPage struct {
	Value     []DeltaItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

// MessageListPage is one page of a plain /messages list (backfill).
type MessageListPage struct {
	Value []struct {
		ID string `json:"id"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Subscription is the Graph subscription resource as returned by the
// subscriptions endpoints.
type Subscription struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	ClientState        string `json:"clientState,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// SendMailRequest is the minimal outbound-mail payload (reply tooling
// contract; the worker itself never composes mail).
type SendMailRequest struct {
	Message struct {
		Subject      string      `json:"subject"`
		Body         ItemBody    `json:"body"`
		ToRecipients []Recipient `json:"toRecipients"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}
