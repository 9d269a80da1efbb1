// Package wire implements the self-describing binary wire codec spec
// §4.1/§6 requires: tagged records carrying {id, param} or {param, flags},
// where Parameters must round-trip byte-exactly across every variant.
// Encoding is hand-written MessagePack via tinylib/msgp's low-level
// Append/Read helpers (no code generation: the teacher ships msgp as a
// direct dependency and this is its documented manual-encoding mode),
// framed with an xxhash checksum so a corrupt or truncated body is
// detected as a ProtocolViolation rather than silently misdecoded.
package wire

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/params"
)

// EncodeParameters serializes p into a standalone, self-describing byte
// string: a one-byte variant tag followed by the variant's own encoding.
func EncodeParameters(p params.Parameters) ([]byte, error) {
	switch v := p.(type) {
	case *params.DenseVector:
		b := msgp.AppendUint8(nil, uint8(params.VariantDenseVector))
		b = msgp.AppendArrayHeader(b, uint32(len(v.Values)))
		for _, f := range v.Values {
			b = msgp.AppendFloat64(b, f)
		}
		return b, nil
	case *params.NamedTensorMap:
		b := msgp.AppendUint8(nil, uint8(params.VariantNamedTensorMap))
		b = msgp.AppendArrayHeader(b, uint32(len(v.Keys)))
		for _, k := range v.Keys {
			t := v.Tensors[k]
			b = msgp.AppendString(b, k)
			b = msgp.AppendArrayHeader(b, uint32(len(t.Shape)))
			for _, s := range t.Shape {
				b = msgp.AppendInt64(b, int64(s))
			}
			b = msgp.AppendArrayHeader(b, uint32(len(t.Data)))
			for _, d := range t.Data {
				b = msgp.AppendFloat64(b, d)
			}
		}
		return b, nil
	default:
		return nil, dlerrors.TypeContract("wire: unrecognized Parameters variant %T", p)
	}
}

// DecodeParameters is the inverse of EncodeParameters.
func DecodeParameters(b []byte) (params.Parameters, error) {
	tag, b, err := msgp.ReadUint8Bytes(b)
	if err != nil {
		return nil, dlerrors.ProtocolViolation("wire: reading variant tag: %v", err)
	}
	switch params.Variant(tag) {
	case params.VariantDenseVector:
		n, b, err := msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return nil, dlerrors.ProtocolViolation("wire: DenseVector array header: %v", err)
		}
		vals := make([]float64, n)
		for i := range vals {
			var v float64
			v, b, err = msgp.ReadFloat64Bytes(b)
			if err != nil {
				return nil, dlerrors.ProtocolViolation("wire: DenseVector element %d: %v", i, err)
			}
			vals[i] = v
		}
		return &params.DenseVector{Values: vals}, nil
	case params.VariantNamedTensorMap:
		numTensors, b, err := msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return nil, dlerrors.ProtocolViolation("wire: NamedTensorMap header: %v", err)
		}
		keys := make([]string, numTensors)
		tensors := make(map[string]*params.Tensor, numTensors)
		for i := 0; i < int(numTensors); i++ {
			var key string
			key, b, err = msgp.ReadStringBytes(b)
			if err != nil {
				return nil, dlerrors.ProtocolViolation("wire: tensor %d key: %v", i, err)
			}
			var shapeLen uint32
			shapeLen, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return nil, dlerrors.ProtocolViolation("wire: tensor %q shape header: %v", key, err)
			}
			shape := make([]int, shapeLen)
			for j := range shape {
				var sv int64
				sv, b, err = msgp.ReadInt64Bytes(b)
				if err != nil {
					return nil, dlerrors.ProtocolViolation("wire: tensor %q shape[%d]: %v", key, j, err)
				}
				shape[j] = int(sv)
			}
			var dataLen uint32
			dataLen, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return nil, dlerrors.ProtocolViolation("wire: tensor %q data header: %v", key, err)
			}
			data := make([]float64, dataLen)
			for j := range data {
				var dv float64
				dv, b, err = msgp.ReadFloat64Bytes(b)
				if err != nil {
					return nil, dlerrors.ProtocolViolation("wire: tensor %q data[%d]: %v", key, j, err)
				}
				data[j] = dv
			}
			keys[i] = key
			tensors[key] = &params.Tensor{Shape: shape, Data: data}
		}
		return &params.NamedTensorMap{Keys: keys, Tensors: tensors}, nil
	default:
		return nil, dlerrors.ProtocolViolation("wire: unrecognized variant tag %d", tag)
	}
}

// Record is the tagged record carried in a message body (spec §3):
// either an {id, param} record (registration/deregistration/violation/
// balancing) or a {param, flags} record (newModel).
type Record struct {
	HasID    bool
	ID       nodeid.NodeId
	HasParam bool
	Param    params.Parameters
	HasFlags bool
	Flags    map[string]bool
}

// EncodeRecord serializes r as a self-describing msgpack map keyed by
// field name, so decoding doesn't depend on field order or presence.
func EncodeRecord(r Record) ([]byte, error) {
	fieldCount := 0
	if r.HasID {
		fieldCount++
	}
	if r.HasParam {
		fieldCount++
	}
	if r.HasFlags {
		fieldCount++
	}
	b := msgp.AppendMapHeader(nil, uint32(fieldCount))
	if r.HasID {
		b = msgp.AppendString(b, "id")
		b = msgp.AppendString(b, string(r.ID))
	}
	if r.HasParam {
		paramBytes, err := EncodeParameters(r.Param)
		if err != nil {
			return nil, err
		}
		b = msgp.AppendString(b, "param")
		b = msgp.AppendBytes(b, paramBytes)
	}
	if r.HasFlags {
		b = msgp.AppendString(b, "flags")
		b = msgp.AppendMapHeader(b, uint32(len(r.Flags)))
		for k, v := range r.Flags {
			b = msgp.AppendString(b, k)
			b = msgp.AppendBool(b, v)
		}
	}
	return b, nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(b []byte) (Record, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return Record{}, dlerrors.ProtocolViolation("wire: record map header: %v", err)
	}
	var rec Record
	for i := uint32(0); i < n; i++ {
		var field string
		field, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return Record{}, dlerrors.ProtocolViolation("wire: record field name %d: %v", i, err)
		}
		switch field {
		case "id":
			var id string
			id, b, err = msgp.ReadStringBytes(b)
			if err != nil {
				return Record{}, dlerrors.ProtocolViolation("wire: record id: %v", err)
			}
			rec.HasID = true
			rec.ID = nodeid.NodeId(id)
		case "param":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err != nil {
				return Record{}, dlerrors.ProtocolViolation("wire: record param: %v", err)
			}
			p, err := DecodeParameters(raw)
			if err != nil {
				return Record{}, err
			}
			rec.HasParam = true
			rec.Param = p
		case "flags":
			var fn uint32
			fn, b, err = msgp.ReadMapHeaderBytes(b)
			if err != nil {
				return Record{}, dlerrors.ProtocolViolation("wire: record flags header: %v", err)
			}
			flags := make(map[string]bool, fn)
			for j := uint32(0); j < fn; j++ {
				var key string
				key, b, err = msgp.ReadStringBytes(b)
				if err != nil {
					return Record{}, dlerrors.ProtocolViolation("wire: record flags key %d: %v", j, err)
				}
				var val bool
				val, b, err = msgp.ReadBoolBytes(b)
				if err != nil {
					return Record{}, dlerrors.ProtocolViolation("wire: record flags value %d: %v", j, err)
				}
				flags[key] = val
			}
			rec.HasFlags = true
			rec.Flags = flags
		default:
			return Record{}, dlerrors.ProtocolViolation("wire: unknown record field %q", field)
		}
	}
	return rec, nil
}
