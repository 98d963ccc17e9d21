// Package apmodel holds the ActivityPub/WebFinger/NodeInfo wire types shared
// by the inbound state machine, the request engine, and the HTTP server.
package apmodel

import "encoding/json"

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the JSON-LD @context emitted on every activity and actor
// document the relay originates.
var DefaultContext = []interface{}{ActivityStreamsNS, SecurityNS}

// StringOrArray unmarshals either a bare JSON string or an array of strings
// into a normalized []string, since ActivityPub fields like `to`/`cc`/`type`
// are routinely single values in the wild despite being schema'd as arrays.
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return err
	}
	*s = multi
	return nil
}

func (s StringOrArray) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

func (s StringOrArray) Contains(v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// PublicKey is the embedded key block on an Actor document.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Endpoints carries the actor's shared-inbox indirection.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Image is a minimal attachment/icon/image representation.
type Image struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// Actor is the subset of an ActivityPub actor document the relay cares about:
// enough to federate (inbox, public key) without modeling profile fields it
// never renders.
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername,omitempty"`
	Name              string      `json:"name,omitempty"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
	Icon              *Image      `json:"icon,omitempty"`
}

// SharedInbox returns the actor's preferred delivery inbox: the shared inbox
// when present, else the actor's own inbox.
func (a *Actor) SharedInbox() string {
	if a.Endpoints != nil && a.Endpoints.SharedInbox != "" {
		return a.Endpoints.SharedInbox
	}
	return a.Inbox
}

// Activity is the envelope the relay emits for Accept/Reject/Announce/Delete.
type Activity struct {
	Context   interface{}   `json:"@context,omitempty"`
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Actor     string        `json:"actor"`
	Object    interface{}   `json:"object"`
	To        StringOrArray `json:"to,omitempty"`
	Cc        StringOrArray `json:"cc,omitempty"`
	Published string        `json:"published,omitempty"`
}

func (a *Activity) WithContext() *Activity {
	if a.Context == nil {
		a.Context = DefaultContext
	}
	return a
}

// IncomingActivity is the loosely-typed shape used to sniff an inbound
// payload's `type`/`actor`/`object` before committing to a strict decode,
// since third-party servers routinely send extra or missing fields.
type IncomingActivity struct {
	Context interface{}     `json:"@context,omitempty"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

// ObjectID extracts the object's `id`, whether Object is a bare IRI string or
// an embedded object with its own `id` field.
func (ia *IncomingActivity) ObjectID() string {
	if len(ia.Object) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(ia.Object, &asString); err == nil {
		return asString
	}
	var asObject struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(ia.Object, &asObject); err == nil {
		return asObject.ID
	}
	return ""
}

// ObjectType mirrors ObjectID but extracts `type` from an embedded object,
// used to distinguish e.g. Undo{Follow} from Undo{Announce}.
func (ia *IncomingActivity) ObjectType() string {
	var asObject struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if len(ia.Object) == 0 {
		return ""
	}
	if err := json.Unmarshal(ia.Object, &asObject); err == nil {
		return asObject.Type
	}
	return ""
}

// OrderedCollection is used for followers/following collections the relay
// serves and for paging through a remote actor's followers when needed.
type OrderedCollection struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	TotalItems   int           `json:"totalItems"`
	OrderedItems []interface{} `json:"orderedItems,omitempty"`
	First        string        `json:"first,omitempty"`
}

// WebFingerLink is one `links[]` entry of a WebFinger response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebFingerResponse is the JRD document served at /.well-known/webfinger.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// NodeInfoDiscovery is served at /.well-known/nodeinfo.
type NodeInfoDiscovery struct {
	Links []WebFingerLink `json:"links"`
}

// NodeInfoSoftware describes the relay's own software identity.
type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NodeInfoUsage reports aggregate usage counts.
type NodeInfoUsage struct {
	Users struct {
		Total int `json:"total"`
	} `json:"users"`
}

// NodeInfo is the relay's own 2.0 nodeinfo document.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
}

// RemoteNodeInfo is the shape fetched from a remote server's nodeinfo 2.0
// document, used by QueryNodeinfo to populate the node cache.
type RemoteNodeInfo struct {
	Version  string           `json:"version"`
	Software NodeInfoSoftware `json:"software"`
}

// RemoteInstance is the shape fetched from a remote Mastodon-style
// `/api/v1/instance` endpoint, used by QueryInstance.
type RemoteInstance struct {
	Title               string          `json:"title"`
	ShortDescription    string          `json:"short_description"`
	Description         string          `json:"description"`
	Version             string          `json:"version"`
	Registrations       bool            `json:"registrations"`
	ApprovalRequired    bool            `json:"approval_required"`
	Contact             *RemoteContact  `json:"contact_account,omitempty"`
}

// RemoteContact is the `contact_account` sub-object of RemoteInstance.
type RemoteContact struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}
