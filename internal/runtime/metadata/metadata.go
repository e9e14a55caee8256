package metadata

import "strconv"

// Keys attached to every message that crosses the hub backplane.
const (
	KeyTopic    = "peerwire_topic"
	KeyOrigin   = "peerwire_origin"
	KeySuppress = "peerwire_suppress"
	KeyHub      = "peerwire_hub"
)

// Metadata represents the headers carried alongside a backplane message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ForPublish describes a publication on topic. origin is the session that
// published it, or empty when the hub itself published.
func ForPublish(hub, topic, origin string, suppress bool) Metadata {
	md := New(KeyHub, hub, KeyTopic, topic, KeySuppress, strconv.FormatBool(suppress))
	if origin != "" {
		md[KeyOrigin] = origin
	}
	return md
}

func (m Metadata) Topic() string  { return m[KeyTopic] }
func (m Metadata) Origin() string { return m[KeyOrigin] }
func (m Metadata) Hub() string    { return m[KeyHub] }

// Suppress reports whether the origin session asked not to receive its own
// publication. Unparseable values count as false.
func (m Metadata) Suppress() bool {
	v, err := strconv.ParseBool(m[KeySuppress])
	return err == nil && v
}
