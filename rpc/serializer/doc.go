// Package serializer encodes the rpc messages of dPrim (common.Message) for
// the wire. Client and server must use the same serializer.
//
// Three implementations exist:
//
//   - binary: hand written format that writes a flag byte naming the present
//     fields followed by only those fields. Smallest and fastest, the default.
//
//   - json: readable on the wire, handy when debugging with the http
//     transport.
//
//   - gob: Go's gob encoding. Slower than both others and kept for
//     comparison in the benchmarks.
//
// All serializers are stateless and safe for concurrent use:
//
//	s := serializer.NewBinarySerializer()
//	data, err := s.Serialize(msg)
//	...
//	var out common.Message
//	err = s.Deserialize(data, &out)
package serializer
