package logging

import (
	"time"
)

const componentKey = "component"

// Field is a structured key/value pair.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field        { return Field{Key: key, Value: value} }
func Int(key string, value int) Field       { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field     { return Field{Key: key, Value: value} }
func Any(key string, value any) Field       { return Field{Key: key, Value: value} }

func Strings(key string, values []string) Field {
	cp := make([]string, len(values))
	copy(cp, values)
	return Field{Key: key, Value: cp}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component is promoted to a top-level key of the entry.
func Component(name string) Field { return String(componentKey, name) }

func Operation(op string) Field       { return String("operation", op) }
func Latency(d time.Duration) Field   { return Duration("latency", d) }
func Count(n int) Field               { return Int("count", n) }
func Node(name string) Field          { return String("node", name) }
func Peer(name string) Field          { return String("peer", name) }
func Link(id string) Field            { return String("link", id) }
func Witness(addr string) Field       { return String("witness", addr) }
func Channel(id string) Field         { return String("channel", id) }
func Verdict(v string) Field          { return String("verdict", v) }
func Generation(g uint64) Field       { return Uint64("generation", g) }
func ResourceGroup(g string) Field    { return String("resource_group", g) }
func MessageType(t string) Field      { return String("message_type", t) }
func ArbitrationID(id string) Field   { return String("arbitration_id", id) }
