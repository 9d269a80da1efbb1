package params

import (
	"math"

	"github.com/fraunhofer-iais/dlsync/dlerrors"
)

// Tensor is a single named, multi-dimensional real array inside a
// NamedTensorMap, e.g. one layer's weight matrix in a neural network.
type Tensor struct {
	Shape []int
	Data  []float64
}

func (t *Tensor) size() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

func cloneShape(s []int) []int {
	cp := make([]int, len(s))
	copy(cp, s)
	return cp
}

// NamedTensorMap is an ordered map from string key to Tensor, e.g. a Keras
// or PyTorch-style named parameter dict (layer name -> weight tensor). Key
// order is preserved for iteration and for the flat-vector view: it is
// round-trip significant.
type NamedTensorMap struct {
	Keys    []string
	Tensors map[string]*Tensor
}

// NewNamedTensorMap builds a NamedTensorMap from keys (in the intended
// iteration order) and tensors; copies both the key order and tensor data.
func NewNamedTensorMap(keys []string, tensors map[string]*Tensor) *NamedTensorMap {
	m := &NamedTensorMap{Keys: append([]string(nil), keys...), Tensors: make(map[string]*Tensor, len(tensors))}
	for _, k := range keys {
		src := tensors[k]
		data := make([]float64, len(src.Data))
		copy(data, src.Data)
		m.Tensors[k] = &Tensor{Shape: cloneShape(src.Shape), Data: data}
	}
	return m
}

func (m *NamedTensorMap) Variant() Variant { return VariantNamedTensorMap }

func (m *NamedTensorMap) sameShape(o *NamedTensorMap) error {
	if len(m.Keys) != len(o.Keys) {
		return dlerrors.TypeContract("NamedTensorMap: key count mismatch %d != %d", len(m.Keys), len(o.Keys))
	}
	for _, k := range m.Keys {
		mt, ok := m.Tensors[k]
		if !ok {
			return dlerrors.TypeContract("NamedTensorMap: missing key %q", k)
		}
		ot, ok := o.Tensors[k]
		if !ok {
			return dlerrors.TypeContract("NamedTensorMap: other is missing key %q", k)
		}
		if len(mt.Data) != len(ot.Data) {
			return dlerrors.TypeContract("NamedTensorMap: shape mismatch at key %q", k)
		}
	}
	return nil
}

func (m *NamedTensorMap) Add(other Parameters) error {
	o, ok := other.(*NamedTensorMap)
	if !ok {
		return dlerrors.TypeContract("NamedTensorMap.Add: other is %T, not *NamedTensorMap", other)
	}
	if err := m.sameShape(o); err != nil {
		return err
	}
	for _, k := range m.Keys {
		mt, ot := m.Tensors[k], o.Tensors[k]
		for i := range mt.Data {
			mt.Data[i] += ot.Data[i]
		}
	}
	return nil
}

func (m *NamedTensorMap) ScalarMultiply(s float64) {
	for _, k := range m.Keys {
		t := m.Tensors[k]
		for i := range t.Data {
			t.Data[i] *= s
		}
	}
}

func (m *NamedTensorMap) Distance(other Parameters) (float64, error) {
	o, ok := other.(*NamedTensorMap)
	if !ok {
		return 0, dlerrors.TypeContract("NamedTensorMap.Distance: other is %T, not *NamedTensorMap", other)
	}
	if err := m.sameShape(o); err != nil {
		return 0, err
	}
	var sum float64
	for _, k := range m.Keys {
		mt, ot := m.Tensors[k], o.Tensors[k]
		for i, v := range mt.Data {
			diff := v - ot.Data[i]
			sum += diff * diff
		}
	}
	return math.Sqrt(sum), nil
}

func (m *NamedTensorMap) Copy() Parameters {
	return NewNamedTensorMap(m.Keys, m.Tensors)
}

func (m *NamedTensorMap) ToVector() []float64 {
	var out []float64
	for _, k := range m.Keys {
		out = append(out, m.Tensors[k].Data...)
	}
	return out
}

func (m *NamedTensorMap) FromVector(v []float64) error {
	total := 0
	for _, k := range m.Keys {
		total += m.Tensors[k].size()
	}
	if total != len(v) {
		return dlerrors.TypeContract("NamedTensorMap.FromVector: length mismatch %d != %d", total, len(v))
	}
	offset := 0
	for _, k := range m.Keys {
		t := m.Tensors[k]
		n := t.size()
		copy(t.Data, v[offset:offset+n])
		offset += n
	}
	return nil
}
