package trace

import (
	"encoding/json"
	"fmt"
)

// LocationKind enumerates the closed set of location definitions.
type LocationKind int

const (
	LocationGeneric LocationKind = iota // no definition attached
	LocationRPCDef
	LocationAuthHandlerDef
	LocationPubSubSubscriber
	LocationCacheKeyspace
)

func (k LocationKind) String() string {
	switch k {
	case LocationRPCDef:
		return "rpc_def"
	case LocationAuthHandlerDef:
		return "auth_handler_def"
	case LocationPubSubSubscriber:
		return "pubsub_subscriber"
	case LocationCacheKeyspace:
		return "cache_keyspace"
	default:
		return "generic"
	}
}

// LocationDef is implemented by RPCDef, AuthHandlerDef, PubSubSubscriber and
// CacheKeyspace. Dispatch with a type switch on Location.Def.
type LocationDef interface {
	locationKind() LocationKind
}

// RPCDef is the definition site of an API endpoint.
type RPCDef struct {
	ServiceName string `json:"service_name"`
	RPCName     string `json:"rpc_name"`
}

// AuthHandlerDef is the definition site of an auth handler.
type AuthHandlerDef struct {
	ServiceName string `json:"service_name"`
	Name        string `json:"name"`
}

// PubSubSubscriber is the definition site of a topic subscription.
type PubSubSubscriber struct {
	TopicName      string `json:"topic_name"`
	SubscriberName string `json:"subscriber_name"`
}

// CacheKeyspace is the declaration of a cache keyspace.
type CacheKeyspace struct {
	VarName string `json:"var_name"`
}

func (*RPCDef) locationKind() LocationKind           { return LocationRPCDef }
func (*AuthHandlerDef) locationKind() LocationKind   { return LocationAuthHandlerDef }
func (*PubSubSubscriber) locationKind() LocationKind { return LocationPubSubSubscriber }
func (*CacheKeyspace) locationKind() LocationKind    { return LocationCacheKeyspace }

// Location is one entry of the trace's location arena.
type Location struct {
	Filepath     string
	SrcLineStart int
	SrcLineEnd   int
	Def          LocationDef // nil for generic locations
}

// Kind reports which definition the location carries.
func (l Location) Kind() LocationKind {
	if l.Def == nil {
		return LocationGeneric
	}
	return l.Def.locationKind()
}

type locationWire struct {
	Filepath         string            `json:"filepath"`
	SrcLineStart     int               `json:"src_line_start"`
	SrcLineEnd       int               `json:"src_line_end"`
	RPCDef           *RPCDef           `json:"rpc_def,omitempty"`
	AuthHandlerDef   *AuthHandlerDef   `json:"auth_handler_def,omitempty"`
	PubSubSubscriber *PubSubSubscriber `json:"pubsub_subscriber,omitempty"`
	CacheKeyspace    *CacheKeyspace    `json:"cache_keyspace,omitempty"`
}

// UnmarshalJSON maps the wire form's optional definition keys onto Def.
// More than one definition on a single location is rejected.
func (l *Location) UnmarshalJSON(data []byte) error {
	var w locationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var defs []LocationDef
	if w.RPCDef != nil {
		defs = append(defs, w.RPCDef)
	}
	if w.AuthHandlerDef != nil {
		defs = append(defs, w.AuthHandlerDef)
	}
	if w.PubSubSubscriber != nil {
		defs = append(defs, w.PubSubSubscriber)
	}
	if w.CacheKeyspace != nil {
		defs = append(defs, w.CacheKeyspace)
	}
	if len(defs) > 1 {
		return fmt.Errorf("location %s:%d has %d definitions", w.Filepath, w.SrcLineStart, len(defs))
	}

	*l = Location{
		Filepath:     w.Filepath,
		SrcLineStart: w.SrcLineStart,
		SrcLineEnd:   w.SrcLineEnd,
	}
	if len(defs) == 1 {
		l.Def = defs[0]
	}
	return nil
}

// MarshalJSON writes the wire form.
func (l Location) MarshalJSON() ([]byte, error) {
	w := locationWire{
		Filepath:     l.Filepath,
		SrcLineStart: l.SrcLineStart,
		SrcLineEnd:   l.SrcLineEnd,
	}
	switch d := l.Def.(type) {
	case *RPCDef:
		w.RPCDef = d
	case *AuthHandlerDef:
		w.AuthHandlerDef = d
	case *PubSubSubscriber:
		w.PubSubSubscriber = d
	case *CacheKeyspace:
		w.CacheKeyspace = d
	case nil:
	}
	return json.Marshal(w)
}
