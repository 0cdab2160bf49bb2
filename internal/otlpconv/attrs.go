package otlpconv

import (
	"encoding/json"
	"strconv"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// Span attribute keys read by the converter. Standard semantic convention
// keys come first, tracelanes-specific ones after.
const (
	AttrServiceName = "service.name"
	AttrThreadID    = "thread.id"

	AttrCodeFilepath = "code.filepath"
	AttrCodeFilePath = "code.file.path"
	AttrCodeLineno   = "code.lineno"
	AttrCodeLine     = "code.line.number"

	AttrRPCService = "rpc.service"
	AttrRPCMethod  = "rpc.method"

	AttrHTTPRoute      = "http.route"
	AttrHTTPMethod     = "http.request.method"
	AttrHTTPStatusCode = "http.response.status_code"
	AttrURLPath        = "url.path"
	AttrURLFull        = "url.full"
	AttrServerAddress  = "server.address"

	AttrDBSystem     = "db.system"
	AttrDBSystemName = "db.system.name"
	AttrDBQueryText  = "db.query.text"
	AttrDBStatement  = "db.statement"
	AttrDBOperation  = "db.operation.name"

	AttrMessagingDestination = "messaging.destination.name"
	AttrMessagingMessageID   = "messaging.message.id"
	AttrMessagingGroup       = "messaging.consumer.group.name"
	AttrMessagingOperation   = "messaging.operation.type"

	AttrExceptionMessage    = "exception.message"
	AttrExceptionStacktrace = "exception.stacktrace"

	AttrRequestType     = "tracelanes.request.type" // rpc, auth or pubsub
	AttrRequestBody     = "tracelanes.request.body"
	AttrResponseBody    = "tracelanes.response.body"
	AttrAuthUserID      = "tracelanes.auth.user_id"
	AttrAuthUserData    = "tracelanes.auth.user_data"
	AttrPubSubAttempt   = "tracelanes.pubsub.attempt"
	AttrPubSubPublished = "tracelanes.pubsub.published" // unix milliseconds
	AttrPubSubMessage   = "tracelanes.pubsub.message"
	AttrDBTxID          = "tracelanes.db.txid"
	AttrDBCompletion    = "tracelanes.db.completion"
	AttrCacheOperation  = "tracelanes.cache.operation"
	AttrCacheKeys       = "tracelanes.cache.keys"
	AttrCacheWrite      = "tracelanes.cache.write"
	AttrCacheResult     = "tracelanes.cache.result"
	AttrCacheKeyspace   = "tracelanes.cache.keyspace"
	AttrHTTPConnReused  = "tracelanes.http.conn_reused"

	AttrLogLevel   = "log.severity"
	AttrLogMessage = "log.message"
)

type attrs []*commonpb.KeyValue

func (a attrs) get(key string) *commonpb.AnyValue {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value
		}
	}
	return nil
}

func (a attrs) has(key string) bool { return a.get(key) != nil }

// str returns the first non-empty string value among keys.
func (a attrs) str(keys ...string) string {
	for _, k := range keys {
		if s := stringValue(a.get(k)); s != "" {
			return s
		}
	}
	return ""
}

// num returns the first integer-valued attribute among keys.
func (a attrs) num(keys ...string) (int64, bool) {
	for _, k := range keys {
		v := a.get(k)
		if v == nil {
			continue
		}
		switch x := v.Value.(type) {
		case *commonpb.AnyValue_IntValue:
			return x.IntValue, true
		case *commonpb.AnyValue_DoubleValue:
			return int64(x.DoubleValue), true
		case *commonpb.AnyValue_StringValue:
			if n, err := strconv.ParseInt(x.StringValue, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func (a attrs) flag(key string) bool {
	v := a.get(key)
	if v == nil {
		return false
	}
	switch x := v.Value.(type) {
	case *commonpb.AnyValue_BoolValue:
		return x.BoolValue
	case *commonpb.AnyValue_StringValue:
		b, _ := strconv.ParseBool(x.StringValue)
		return b
	}
	return false
}

func (a attrs) strs(key string) []string {
	v := a.get(key)
	if v == nil {
		return nil
	}
	if arr := v.GetArrayValue(); arr != nil {
		out := make([]string, 0, len(arr.Values))
		for _, e := range arr.Values {
			out = append(out, stringValue(e))
		}
		return out
	}
	if s := stringValue(v); s != "" {
		return []string{s}
	}
	return nil
}

func stringValue(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch x := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return string(x.BytesValue)
	default:
		return ""
	}
}

// anyValue converts an OTLP attribute value to a plain Go value.
func anyValue(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch x := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_IntValue:
		return x.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return x.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return x.BoolValue
	case *commonpb.AnyValue_BytesValue:
		return x.BytesValue
	case *commonpb.AnyValue_ArrayValue:
		out := make([]any, len(x.ArrayValue.Values))
		for i, e := range x.ArrayValue.Values {
			out[i] = anyValue(e)
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]any, len(x.KvlistValue.Values))
		for _, kv := range x.KvlistValue.Values {
			out[kv.Key] = anyValue(kv.Value)
		}
		return out
	default:
		return nil
	}
}

func jsonValue(v *commonpb.AnyValue) json.RawMessage {
	b, err := json.Marshal(anyValue(v))
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
