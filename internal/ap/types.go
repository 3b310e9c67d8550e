// Package ap implements the ActivityPub side of the skybridge sidecar.
package ap

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the standard JSON-LD @context for outgoing objects.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"Hashtag":   "as:Hashtag",
		"sensitive": "as:sensitive",
	},
}

// Actor represents an ActivityPub actor (Person, Service, etc.).
type Actor struct {
	Context           interface{}       `json:"@context,omitempty"`
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Name              string            `json:"name,omitempty"`
	PreferredUsername string            `json:"preferredUsername"`
	Summary           string            `json:"summary,omitempty"`
	Inbox             string            `json:"inbox"`
	Outbox            string            `json:"outbox,omitempty"`
	Followers         string            `json:"followers,omitempty"`
	Following         string            `json:"following,omitempty"`
	PublicKey         *PublicKey        `json:"publicKey,omitempty"`
	AssertionMethod   []AssertionMethod `json:"assertionMethod,omitempty"`
	Icon              *Image            `json:"icon,omitempty"`
	Image             *Image            `json:"image,omitempty"`
	URL               string            `json:"url,omitempty"`
	Endpoints         *Endpoints        `json:"endpoints,omitempty"`
}

// PublicKey represents an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// AssertionMethod exposes a verification key as a JWK. The Ed25519 pair is
// published this way alongside the RSA signing key.
type AssertionMethod struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Controller   string         `json:"controller"`
	PublicKeyJwk map[string]any `json:"publicKeyJwk,omitempty"`
}

// Image represents an ActivityPub Image object.
type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Endpoints holds shared inbox and other endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Note represents an ActivityPub Note.
type Note struct {
	Context      interface{}       `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	AttributedTo string            `json:"attributedTo"`
	Content      string            `json:"content"`
	ContentMap   map[string]string `json:"contentMap,omitempty"`
	Published    string            `json:"published,omitempty"`
	To           StringOrArray     `json:"to,omitempty"`
	CC           StringOrArray     `json:"cc,omitempty"`
	Tag          []interface{}     `json:"tag,omitempty"`
	Attachment   []Attachment      `json:"attachment,omitempty"`
	URL          string            `json:"url,omitempty"`
	InReplyTo    string            `json:"inReplyTo,omitempty"`
	Sensitive    bool              `json:"sensitive,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// Attachment represents media attached to a Note. Outgoing attachments are
// Documents whose URLs point at PDS blobs.
type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"` // alt text
}

// Mention is a tag pointing to another actor.
type Mention struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

// Activity is a generic outgoing ActivityPub activity.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// IncomingActivity is used for parsing incoming activities where the object
// might be a string reference or an embedded object.
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
}

// ObjectID extracts the object's id whether the object is a bare string
// reference or an embedded object.
func (a *IncomingActivity) ObjectID() string {
	var id string
	if err := json.Unmarshal(a.Object, &id); err == nil {
		return id
	}
	var m map[string]interface{}
	if err := json.Unmarshal(a.Object, &m); err == nil {
		id, _ = m["id"].(string)
	}
	return id
}

// OrderedCollection is the top-level AS collection with a link to its
// first page.
type OrderedCollection struct {
	Context    interface{} `json:"@context"`
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
}

// OrderedCollectionPage is one keyset page of an OrderedCollection.
type OrderedCollectionPage struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	PartOf       string      `json:"partOf"`
	Next         string      `json:"next,omitempty"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFinger response structures (RFC 7033 JRD).
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo structures (v2.1).
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfYear int `json:"activeHalfYear"`
}

// WithContext wraps an object with the default AP @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
